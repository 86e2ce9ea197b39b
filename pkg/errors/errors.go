// Package errors 提供按讚服務的錯誤分類
//
// 分類：
//   - CONFIGURATION_ERROR：設定缺漏，功能對終端使用者靜默停用
//   - PERMISSION_DENIED：遠端拒絕讀寫，整個 session 內持續有效
//   - TRANSIENT：網路或逾時，觸發回滾，功能仍可使用
//   - RATE_LIMITED：客戶端政策拒絕，僅作為暫時提示
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	// ErrCodeConfiguration 設定缺漏或無效
	ErrCodeConfiguration = "CONFIGURATION_ERROR"
	// ErrCodePermissionDenied 權限不足
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	// ErrCodeTransient 暫時性錯誤（網路、逾時、重試耗盡）
	ErrCodeTransient = "TRANSIENT"
	// ErrCodeRateLimited 超過頻率限制
	ErrCodeRateLimited = "RATE_LIMITED"
	// ErrCodeConflict 版本衝突（樂觀交易需重試）
	ErrCodeConflict = "CONFLICT"
	// ErrCodeNotFound 資源未找到
	ErrCodeNotFound = "NOT_FOUND"
	// ErrCodeInvalidInput 無效輸入
	ErrCodeInvalidInput = "INVALID_INPUT"
	// ErrCodeFeatureDisabled 功能已關閉
	ErrCodeFeatureDisabled = "FEATURE_DISABLED"
	// ErrCodeBusy 前一個操作仍在進行
	ErrCodeBusy = "BUSY"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 以錯誤碼比對，讓 errors.Is(err, ErrPermissionDenied) 對包裝後的錯誤也成立
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 回傳帶有詳細資訊的副本，不修改預定義錯誤
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// 預定義錯誤
var (
	// ErrConfiguration 設定不完整
	ErrConfiguration = New(ErrCodeConfiguration, "incomplete configuration")

	// ErrPermissionDenied 無權限讀寫
	ErrPermissionDenied = New(ErrCodePermissionDenied, "permission denied")

	// ErrTransient 暫時性失敗
	ErrTransient = New(ErrCodeTransient, "temporary failure")

	// ErrRateLimited 操作太頻繁
	ErrRateLimited = New(ErrCodeRateLimited, "too many requests")

	// ErrConflict 文件版本已改變
	ErrConflict = New(ErrCodeConflict, "document version changed")

	// ErrNotFound 文件不存在
	ErrNotFound = New(ErrCodeNotFound, "document not found")

	// ErrInvalidInput 無效輸入
	ErrInvalidInput = New(ErrCodeInvalidInput, "invalid input")

	// ErrFeatureDisabled 功能未啟用
	ErrFeatureDisabled = New(ErrCodeFeatureDisabled, "feature disabled")

	// ErrBusy 上一次操作尚未完成
	ErrBusy = New(ErrCodeBusy, "previous operation still in flight")
)

// CodeOf 取出錯誤碼，非 AppError 時回傳空字串
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsConfiguration 檢查是否為設定錯誤
func IsConfiguration(err error) bool {
	return CodeOf(err) == ErrCodeConfiguration
}

// IsPermissionDenied 檢查是否為權限錯誤
func IsPermissionDenied(err error) bool {
	return CodeOf(err) == ErrCodePermissionDenied
}

// IsTransient 檢查是否為暫時性錯誤
func IsTransient(err error) bool {
	return CodeOf(err) == ErrCodeTransient
}

// IsRateLimited 檢查是否為頻率限制
func IsRateLimited(err error) bool {
	return CodeOf(err) == ErrCodeRateLimited
}

// IsConflict 檢查是否為版本衝突
func IsConflict(err error) bool {
	return CodeOf(err) == ErrCodeConflict
}

// IsNotFound 檢查是否為未找到錯誤
func IsNotFound(err error) bool {
	return CodeOf(err) == ErrCodeNotFound
}
