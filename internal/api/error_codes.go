// internal/api/error_codes.go
package api

import (
	"net/http"

	apperrors "github.com/Corphon/GalNovelEngine/internal/errors"
)

// API错误代码常量
const (
	// 通用错误
	ErrorBadRequest    = "BAD_REQUEST"
	ErrorNotFound      = "NOT_FOUND"
	ErrorInternalError = "INTERNAL_ERROR"
	ErrorConflict      = "CONFLICT"
	ErrorForbidden     = "FORBIDDEN"
	ErrorRateLimited   = "RATE_LIMIT_EXCEEDED"

	// 会话
	ErrorSessionNotFound = "SESSION_NOT_FOUND"
	ErrorModeInvalid     = "MODE_INVALID"

	// 存档
	ErrorSlotInvalid  = "SLOT_INVALID"
	ErrorSaveNotFound = "SAVE_NOT_FOUND"

	// 剧本
	ErrorScriptNotFound  = "SCRIPT_NOT_FOUND"
	ErrorScriptProtected = "SCRIPT_PROTECTED"

	// 预加载
	ErrorPreloadRunning = "PRELOAD_ALREADY_RUNNING"
	ErrorTaskNotFound   = "TASK_NOT_FOUND"
)

// statusForError 应用错误类型对应的 HTTP 状态码
func statusForError(err error) int {
	switch apperrors.TypeOf(err) {
	case apperrors.ErrorTypeValidation:
		return http.StatusBadRequest
	case apperrors.ErrorTypeNotFound:
		return http.StatusNotFound
	case apperrors.ErrorTypeGeneration:
		return http.StatusBadGateway
	case apperrors.ErrorTypeScriptLoad:
		return http.StatusUnprocessableEntity
	case apperrors.ErrorTypeRollbackRejected, apperrors.ErrorTypeConflict:
		return http.StatusConflict
	case apperrors.ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
