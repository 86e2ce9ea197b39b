package like

import (
	"sync"
)

// 持久化的本機鍵
const (
	KeyIsLiked = "websiteIsLiked"
	KeyLikes   = "websiteLikes"
)

// LocalStorage 瀏覽器 localStorage 的對應：字串鍵值，跨 session 保存
type LocalStorage interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Remove(key string) error
}

var _ LocalStorage = (*MemoryStorage)(nil)

// MemoryStorage 不落地的本機儲存
type MemoryStorage struct {
	mu     sync.Mutex
	values map[string]string
}

// NewMemoryStorage 建立記憶體本機儲存
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{values: make(map[string]string)}
}

// Get 讀取
func (s *MemoryStorage) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok, nil
}

// Set 寫入
func (s *MemoryStorage) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

// Remove 刪除
func (s *MemoryStorage) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}
