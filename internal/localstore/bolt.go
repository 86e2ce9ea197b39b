// Package localstore 以 bbolt 檔案保存 CLI 的本機按讚狀態
package localstore

import (
	"fmt"
	"time"

	"github.com/koopa0/system-design/14-like-counter/internal/like"
	"go.etcd.io/bbolt"
)

var bucketLocal = []byte("local_storage")

var _ like.LocalStorage = (*BoltStorage)(nil)

// BoltStorage 單一 bucket 的字串鍵值
type BoltStorage struct {
	db *bbolt.DB
}

// Open 開啟或建立資料檔；檔案被其他程序鎖住時 1 秒後放棄
func Open(path string) (*BoltStorage, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open local storage: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketLocal)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create local storage bucket: %w", err)
	}

	return &BoltStorage{db: db}, nil
}

// Get 讀取
func (s *BoltStorage) Get(key string) (string, bool, error) {
	var (
		value string
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketLocal).Get([]byte(key)); v != nil {
			// v 只在交易內有效
			value, found = string(v), true
		}
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("read %s: %w", key, err)
	}
	return value, found, nil
}

// Set 寫入
func (s *BoltStorage) Set(key, value string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketLocal).Put([]byte(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// Remove 刪除，鍵不存在不算錯誤
func (s *BoltStorage) Remove(key string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketLocal).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// Close 關閉資料檔
func (s *BoltStorage) Close() error {
	return s.db.Close()
}
