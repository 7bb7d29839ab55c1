// internal/api/response_helpers.go
package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/Corphon/GalNovelEngine/internal/errors"
)

// APIResponse 标准API响应格式
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"`
}

// APIError 标准错误格式
type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   string `json:"details,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// ResponseHelper 响应助手
type ResponseHelper struct {
	now func() time.Time
}

// NewResponseHelper 创建响应助手
func NewResponseHelper() *ResponseHelper {
	return &ResponseHelper{now: time.Now}
}

// Success 成功响应
func (rh *ResponseHelper) Success(c *gin.Context, data interface{}, message ...string) {
	rh.write(c, http.StatusOK, data, message)
}

// Created 创建成功响应
func (rh *ResponseHelper) Created(c *gin.Context, data interface{}, message ...string) {
	if len(message) == 0 {
		message = []string{"资源创建成功"}
	}
	rh.write(c, http.StatusCreated, data, message)
}

// Accepted 后台任务已受理
func (rh *ResponseHelper) Accepted(c *gin.Context, data interface{}, message ...string) {
	rh.write(c, http.StatusAccepted, data, message)
}

func (rh *ResponseHelper) write(c *gin.Context, status int, data interface{}, message []string) {
	response := &APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: rh.now(),
		RequestID: requestID(c),
	}
	if len(message) > 0 {
		response.Message = message[0]
	}
	c.JSON(status, response)
}

// Error 错误响应
func (rh *ResponseHelper) Error(c *gin.Context, statusCode int, errorCode, message string, details ...string) {
	apiError := &APIError{
		Code:    errorCode,
		Message: sanitizeErrorMessage(message),
	}
	if len(details) > 0 {
		apiError.Details = sanitizeErrorMessage(details[0])
	}
	c.JSON(statusCode, &APIResponse{
		Success:   false,
		Error:     apiError,
		Timestamp: rh.now(),
		RequestID: requestID(c),
	})
}

// FromError 按应用错误类型选择状态码；data 用于附带当前会话状态
func (rh *ResponseHelper) FromError(c *gin.Context, err error, data ...interface{}) {
	status := statusForError(err)
	apiError := &APIError{Code: ErrorInternalError, Message: "服务器内部错误"}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		apiError.Code = appErr.Code
		apiError.Message = sanitizeErrorMessage(appErr.Message)
		apiError.Retryable = appErr.Retryable()
		if appErr.Err != nil && status < http.StatusInternalServerError {
			apiError.Details = sanitizeErrorMessage(appErr.Err.Error())
		}
	}

	response := &APIResponse{
		Success:   false,
		Error:     apiError,
		Timestamp: rh.now(),
		RequestID: requestID(c),
	}
	if len(data) > 0 {
		response.Data = data[0]
	}
	c.Error(err)
	c.JSON(status, response)
}

// BadRequest 400错误响应
func (rh *ResponseHelper) BadRequest(c *gin.Context, message string, details ...string) {
	rh.Error(c, http.StatusBadRequest, ErrorBadRequest, message, details...)
}

// NotFound 404错误响应
func (rh *ResponseHelper) NotFound(c *gin.Context, resource string, details ...string) {
	rh.Error(c, http.StatusNotFound, notFoundCode(resource), resource+"不存在", details...)
}

// Conflict 409错误响应
func (rh *ResponseHelper) Conflict(c *gin.Context, code, message string) {
	rh.Error(c, http.StatusConflict, code, message)
}

// Forbidden 403错误响应
func (rh *ResponseHelper) Forbidden(c *gin.Context, code, message string) {
	rh.Error(c, http.StatusForbidden, code, message)
}

func notFoundCode(resource string) string {
	switch resource {
	case "会话":
		return ErrorSessionNotFound
	case "存档":
		return ErrorSaveNotFound
	case "剧本":
		return ErrorScriptNotFound
	case "任务":
		return ErrorTaskNotFound
	default:
		return ErrorNotFound
	}
}

// sanitizeErrorMessage 去掉可能包含凭据的错误信息
func sanitizeErrorMessage(message string) string {
	lower := strings.ToLower(message)
	for _, pattern := range []string{"api_key", "apikey", "secret", "token", "authorization", "bearer "} {
		if strings.Contains(lower, pattern) {
			return "An internal error occurred"
		}
	}
	return message
}
