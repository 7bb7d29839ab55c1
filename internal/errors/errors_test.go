package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTypePredicates(t *testing.T) {
	base := errors.New("boom")

	assert.True(t, IsGenerationError(NewGenerationError("生成失败", base)))
	assert.True(t, IsScriptLoadError(NewScriptLoadError("加载失败", base)))
	assert.True(t, IsRollbackRejected(NewRollbackRejectedError("不允许回跳")))
	assert.True(t, IsStorageError(NewStorageError("写入失败", base)))
	assert.True(t, IsNotFoundError(NewNotFoundError("没有", nil)))
	assert.False(t, IsValidationError(base))

	wrapped := fmt.Errorf("outer: %w", NewConflictError("冲突", nil))
	assert.True(t, IsConflictError(wrapped))
	assert.Equal(t, ErrorTypeConflict, TypeOf(wrapped))
	assert.Equal(t, ErrorTypeError, TypeOf(base))
}

func TestWrapErrorKeepsType(t *testing.T) {
	inner := NewGenerationError("分支生成失败", errors.New("timeout"))
	err := WrapError(inner, "预加载", ErrorTypeError)

	assert.True(t, IsGenerationError(err))
	assert.Contains(t, err.Error(), "预加载: 分支生成失败")
	assert.Nil(t, WrapError(nil, "x", ErrorTypeError))

	plain := WrapError(errors.New("disk full"), "保存失败", ErrorTypeStorage)
	assert.True(t, IsStorageError(plain))
	assert.Equal(t, "STORAGE_ERROR", plain.(*AppError).Code)
}

func TestRetryable(t *testing.T) {
	assert.True(t, NewGenerationError("x", nil).Retryable())
	assert.False(t, NewValidationError("x", nil).Retryable())
}
