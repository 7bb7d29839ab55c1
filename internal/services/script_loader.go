// internal/services/script_loader.go
package services

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/Corphon/GalNovelEngine/internal/errors"
	"github.com/Corphon/GalNovelEngine/internal/models"
	"github.com/Corphon/GalNovelEngine/internal/storage"
	"github.com/Corphon/GalNovelEngine/internal/utils"
)

var scriptIDPattern = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)

// ScriptLoader 从剧本目录读取完整剧本
type ScriptLoader struct {
	dir    string
	cache  *storage.ScriptFileCache
	logger *zap.Logger
}

// NewScriptLoader 剧本文件名为 <id>.json
func NewScriptLoader(dir string, cache *storage.ScriptFileCache, logger *zap.Logger) *ScriptLoader {
	if cache == nil {
		cache = storage.NewScriptFileCache(0)
	}
	return &ScriptLoader{dir: dir, cache: cache, logger: utils.OrNop(logger).Named("script_loader")}
}

// LoadScript 读取并校验剧本，返回的剧本只读
func (l *ScriptLoader) LoadScript(ctx context.Context, id string) (*models.FullScript, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !scriptIDPattern.MatchString(id) {
		return nil, apperrors.NewValidationError(fmt.Sprintf("非法的剧本ID: %q", id), nil)
	}

	path := filepath.Join(l.dir, id+".json")
	script, err := l.cache.Load(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperrors.NewNotFoundError(fmt.Sprintf("剧本不存在: %s", id), err)
		}
		l.logger.Warn("读取剧本失败", zap.String("script_id", id), zap.Error(err))
		return nil, apperrors.NewScriptLoadError(fmt.Sprintf("读取剧本失败: %s", id), err)
	}
	if err := script.Validate(); err != nil {
		l.cache.Forget(path)
		return nil, apperrors.NewScriptLoadError(fmt.Sprintf("剧本格式错误: %s", id), err)
	}
	return script, nil
}

// Available 剧本目录下的全部剧本ID
func (l *ScriptLoader) Available() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, apperrors.NewScriptLoadError("读取剧本目录失败", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}
