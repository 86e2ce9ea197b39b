// Package document 實作按讚計數的遠端文件儲存
//
// 每份文件只有一個數值欄位 likes，以及一個單調遞增的版本號。
// 所有寫入都透過 CompareAndSet 完成：讀取版本與寫入新值在同一個
// 儲存層交易中執行，版本不符就回傳 ErrConflict，由客戶端重新讀取後重試。
package document

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// LikesCounterPath 網站唯一的按讚計數文件
const LikesCounterPath = "likes/counter"

var (
	// ErrConflict 文件版本已被其他寫入者改變
	ErrConflict = errors.New("document version conflict")

	// ErrNegativeValue likes 不可小於零
	ErrNegativeValue = errors.New("likes must not be negative")

	// ErrInvalidPath 路徑必須是 collection/document
	ErrInvalidPath = errors.New("invalid document path")
)

// Snapshot 某一版本的文件內容
type Snapshot struct {
	Path       string    `json:"path"`
	Likes      int64     `json:"likes"`
	Version    int64     `json:"version"`
	Exists     bool      `json:"exists"`
	UpdateTime time.Time `json:"update_time,omitzero"`
}

// Missing 回傳不存在文件的快照（版本 0）
func Missing(path string) Snapshot {
	return Snapshot{Path: path}
}

// Store 文件儲存介面
type Store interface {
	// Get 讀取文件，不存在時回傳 Exists=false 的快照
	Get(ctx context.Context, path string) (Snapshot, error)

	// InitializeIfMissing 文件不存在時建立 {likes: 0}，已存在則不變
	InitializeIfMissing(ctx context.Context, path string) (Snapshot, bool, error)

	// CompareAndSet 版本相符時寫入 likes；expectedVersion 為 0 代表文件必須尚未存在
	CompareAndSet(ctx context.Context, path string, expectedVersion, likes int64) (Snapshot, error)

	// Ping 檢查儲存後端是否可用
	Ping(ctx context.Context) error
}

// Event 監聽串流中的一筆事件，Err 非 nil 時串流即將結束
type Event struct {
	Snapshot Snapshot
	Err      error
}

// UpdateFunc 交易函數：根據目前快照計算新的 likes
type UpdateFunc func(current Snapshot) (int64, error)

// JoinPath 組合 collection/document 路徑
func JoinPath(collection, doc string) (string, error) {
	path := collection + "/" + doc
	if err := ValidatePath(path); err != nil {
		return "", err
	}
	return path, nil
}

// ValidatePath 檢查路徑格式
func ValidatePath(path string) error {
	collection, doc, ok := strings.Cut(path, "/")
	if !ok || collection == "" || doc == "" || strings.Contains(doc, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	return nil
}

// Collection 取出路徑中的 collection 名稱
func Collection(path string) string {
	collection, _, _ := strings.Cut(path, "/")
	return collection
}

// checkWrite CompareAndSet 的共用前置檢查
func checkWrite(path string, expectedVersion, likes int64) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	if likes < 0 {
		return ErrNegativeValue
	}
	if expectedVersion < 0 {
		return fmt.Errorf("%w: negative expected version %d", ErrConflict, expectedVersion)
	}
	return nil
}
