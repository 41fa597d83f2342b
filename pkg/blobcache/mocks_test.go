package blobcache

import (
	"context"
	"errors"
	"sync"
)

// PNGの最小構成バイナリ（シグネチャ含む）
var validPng = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00\x90w\x53\xde")

// failingStore は指定した操作で必ず失敗するストアなのだ。
type failingStore struct {
	*MemoryStore
	failLoad bool
	failPut  bool
}

var errStorage = errors.New("storage unavailable")

func (s *failingStore) Load(ctx context.Context, key string) (Entry, bool, error) {
	if s.failLoad {
		return Entry{}, false, errStorage
	}
	return s.MemoryStore.Load(ctx, key)
}

func (s *failingStore) PutIfAbsent(ctx context.Context, key string, e Entry) (bool, error) {
	if s.failPut {
		return false, errStorage
	}
	return s.MemoryStore.PutIfAbsent(ctx, key, e)
}

// mockFetcher は呼び出し回数を数える Fetcher なのだ。
type mockFetcher struct {
	mu    sync.Mutex
	data  []byte
	err   error
	calls int
}

func (m *mockFetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.data, m.err
}

type mockHTTPClient struct {
	data    []byte
	err     error
	lastURL string
}

func (m *mockHTTPClient) FetchBytes(ctx context.Context, url string) ([]byte, error) {
	m.lastURL = url
	return m.data, m.err
}
