package document

import (
	"context"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore 以 map 保存文件的儲存實作，用於測試與單機展示
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string]Snapshot
	now  func() time.Time
}

// NewMemoryStore 建立記憶體儲存
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string]Snapshot),
		now:  time.Now,
	}
}

// Get 讀取文件
func (s *MemoryStore) Get(ctx context.Context, path string) (Snapshot, error) {
	if err := ValidatePath(path); err != nil {
		return Snapshot{}, err
	}
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if snap, ok := s.docs[path]; ok {
		return snap, nil
	}
	return Missing(path), nil
}

// InitializeIfMissing 文件不存在時建立
func (s *MemoryStore) InitializeIfMissing(ctx context.Context, path string) (Snapshot, bool, error) {
	if err := ValidatePath(path); err != nil {
		return Snapshot{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return Snapshot{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if snap, ok := s.docs[path]; ok {
		return snap, false, nil
	}

	snap := Snapshot{Path: path, Likes: 0, Version: 1, Exists: true, UpdateTime: s.now()}
	s.docs[path] = snap
	return snap, true, nil
}

// CompareAndSet 單一互斥鎖內完成版本比對與寫入
func (s *MemoryStore) CompareAndSet(ctx context.Context, path string, expectedVersion, likes int64) (Snapshot, error) {
	if err := checkWrite(path, expectedVersion, likes); err != nil {
		return Snapshot{}, err
	}
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.docs[path]
	if !ok {
		current = Missing(path)
	}
	if current.Version != expectedVersion {
		return Snapshot{}, ErrConflict
	}

	next := Snapshot{
		Path:       path,
		Likes:      likes,
		Version:    current.Version + 1,
		Exists:     true,
		UpdateTime: s.now(),
	}
	s.docs[path] = next
	return next, nil
}

// Ping 記憶體儲存永遠可用
func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}
