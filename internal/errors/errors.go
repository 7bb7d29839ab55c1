// internal/errors/errors.go
package errors

import (
	"errors"
	"fmt"
)

// ErrorType 定义错误类型
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation_error"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeError      ErrorType = "processing_error"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeTimeout    ErrorType = "timeout"

	// 叙事引擎专用
	ErrorTypeGeneration       ErrorType = "generation_error"
	ErrorTypeScriptLoad       ErrorType = "script_load_error"
	ErrorTypeRollbackRejected ErrorType = "rollback_rejected"
	ErrorTypeStorage          ErrorType = "storage_error"
)

// AppError 应用程序错误结构
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
	Code    string
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap 实现错误链接
func (e *AppError) Unwrap() error {
	return e.Err
}

// Retryable 生成类错误允许玩家重试
func (e *AppError) Retryable() bool {
	return e.Type == ErrorTypeGeneration || e.Type == ErrorTypeTimeout
}

// NewAppError 创建新的 AppError
func NewAppError(errType ErrorType, message string, originalError error) *AppError {
	return &AppError{
		Type:    errType,
		Message: message,
		Err:     originalError,
		Code:    generateErrorCode(errType),
	}
}

func NewValidationError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeValidation, message, originalError)
}

func NewNotFoundError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeNotFound, message, originalError)
}

func NewProcessingError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeError, message, originalError)
}

func NewConflictError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeConflict, message, originalError)
}

// NewGenerationError 生成后端失败
func NewGenerationError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeGeneration, message, originalError)
}

// NewScriptLoadError 剧本资源缺失或格式错误
func NewScriptLoadError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeScriptLoad, message, originalError)
}

// NewRollbackRejectedError 非法回跳目标
func NewRollbackRejectedError(message string) *AppError {
	return NewAppError(ErrorTypeRollbackRejected, message, nil)
}

// NewStorageError 持久化失败
func NewStorageError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeStorage, message, originalError)
}

func isType(err error, t ErrorType) bool {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.Type == t
	}
	return false
}

func IsValidationError(err error) bool { return isType(err, ErrorTypeValidation) }

func IsNotFoundError(err error) bool { return isType(err, ErrorTypeNotFound) }

func IsConflictError(err error) bool { return isType(err, ErrorTypeConflict) }

func IsGenerationError(err error) bool { return isType(err, ErrorTypeGeneration) }

func IsScriptLoadError(err error) bool { return isType(err, ErrorTypeScriptLoad) }

func IsRollbackRejected(err error) bool { return isType(err, ErrorTypeRollbackRejected) }

func IsStorageError(err error) bool { return isType(err, ErrorTypeStorage) }

// TypeOf 返回错误类型，非 AppError 视为处理错误
func TypeOf(err error) ErrorType {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.Type
	}
	return ErrorTypeError
}

// generateErrorCode 根据错误类型生成错误代码
func generateErrorCode(errType ErrorType) string {
	switch errType {
	case ErrorTypeValidation:
		return "VALIDATION_ERROR"
	case ErrorTypeNotFound:
		return "NOT_FOUND"
	case ErrorTypeError:
		return "PROCESSING_ERROR"
	case ErrorTypeConflict:
		return "CONFLICT"
	case ErrorTypeTimeout:
		return "TIMEOUT"
	case ErrorTypeGeneration:
		return "GENERATION_FAILED"
	case ErrorTypeScriptLoad:
		return "SCRIPT_LOAD_FAILED"
	case ErrorTypeRollbackRejected:
		return "ROLLBACK_REJECTED"
	case ErrorTypeStorage:
		return "STORAGE_ERROR"
	default:
		return "UNKNOWN_ERROR"
	}
}

// WrapError 包装现有错误
func WrapError(err error, message string, errType ErrorType) error {
	if err == nil {
		return nil
	}

	var appError *AppError
	if errors.As(err, &appError) {
		return &AppError{
			Type:    appError.Type,
			Message: fmt.Sprintf("%s: %s", message, appError.Message),
			Err:     appError,
			Code:    appError.Code,
		}
	}

	return NewAppError(errType, message, err)
}
