package generator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shouni/avatar-image-kit/pkg/blobcache"
	"github.com/shouni/avatar-image-kit/pkg/domain"
	"github.com/shouni/avatar-image-kit/pkg/retry"
)

// PNGの最小構成バイナリ（シグネチャ含む）
var validPng = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00\x90w\x53\xde")

// mockRemote は呼び出し回数を数えるリモートなのだ。
// errs を順番に返し、使い切ったら最後のエラー（nil なら成功）を返し続けるのだ。
type mockRemote struct {
	mu    sync.Mutex
	img   domain.Image
	errs  []error
	calls atomic.Int32
	delay time.Duration
	// block が nil でなければ close されるまで応答しないのだ
	block chan struct{}
	reqs  []domain.GenerationRequest
}

func (m *mockRemote) Generate(ctx context.Context, req domain.GenerationRequest) (domain.Image, error) {
	i := int(m.calls.Add(1)) - 1
	m.mu.Lock()
	m.reqs = append(m.reqs, req)
	m.mu.Unlock()

	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if m.block != nil {
		<-m.block
	}
	if len(m.errs) > 0 {
		if i >= len(m.errs) {
			i = len(m.errs) - 1
		}
		if err := m.errs[i]; err != nil {
			return domain.Image{}, err
		}
	}
	return m.img, nil
}

func (m *mockRemote) Calls() int { return int(m.calls.Load()) }

// failingStore は PutIfAbsent が必ず失敗するストアなのだ。
type failingStore struct {
	*blobcache.MemoryStore
}

func (s *failingStore) PutIfAbsent(ctx context.Context, key string, e blobcache.Entry) (bool, error) {
	return false, context.DeadlineExceeded
}

// statusRecorder はステータスを順番に記録するのだ。
type statusRecorder struct {
	mu       sync.Mutex
	statuses []string
}

func (r *statusRecorder) record(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *statusRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.statuses...)
}

func fastPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries:     3,
		BaseDelay:      time.Millisecond,
		MaxDelay:       2 * time.Millisecond,
		AttemptTimeout: time.Second,
		JitterFactor:   retry.DefaultJitterFactor,
	}
}
