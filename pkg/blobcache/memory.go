package blobcache

import (
	"context"
	"sync"
	"time"
)

// MemoryStore はプロセス内のマップに保存するバックエンドです。テストや一時利用向けです。
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryStore は空の MemoryStore を作成します。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Load(_ context.Context, key string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return e, ok, nil
}

func (s *MemoryStore) PutIfAbsent(_ context.Context, key string, entry Entry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; ok {
		return false, nil
	}
	// 呼び出し元のスライスを後から書き換えられても影響しないようにコピーする
	entry.Data = append([]byte(nil), entry.Data...)
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now()
	}
	s.entries[key] = entry
	return true, nil
}

func (s *MemoryStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]Entry)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// Len は保存されているエントリ数です。
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
