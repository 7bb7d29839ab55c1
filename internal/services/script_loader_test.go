package services

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Corphon/GalNovelEngine/internal/errors"
)

func writeScriptFile(t *testing.T, dir, id string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".json"), data, 0o644))
}

func TestScriptLoaderLoads(t *testing.T) {
	dir := t.TempDir()
	script := twoChapterScript()
	writeScriptFile(t, dir, script.ID, script)

	loader := NewScriptLoader(dir, nil, nil)
	got, err := loader.LoadScript(context.Background(), script.ID)
	require.NoError(t, err)
	assert.Len(t, got.Chapters, 2)

	again, err := loader.LoadScript(context.Background(), script.ID)
	require.NoError(t, err)
	assert.Same(t, got, again)

	ids, err := loader.Available()
	require.NoError(t, err)
	assert.Equal(t, []string{script.ID}, ids)
}

func TestScriptLoaderErrors(t *testing.T) {
	dir := t.TempDir()
	loader := NewScriptLoader(dir, nil, nil)
	ctx := context.Background()

	_, err := loader.LoadScript(ctx, "missing")
	assert.True(t, apperrors.IsNotFoundError(err))

	_, err = loader.LoadScript(ctx, "../etc/passwd")
	assert.True(t, apperrors.IsValidationError(err))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0o644))
	_, err = loader.LoadScript(ctx, "broken")
	assert.True(t, apperrors.IsScriptLoadError(err))

	writeScriptFile(t, dir, "empty", map[string]any{"id": "empty", "chapters": []any{}})
	_, err = loader.LoadScript(ctx, "empty")
	assert.True(t, apperrors.IsScriptLoadError(err))
}

func TestScriptLoaderMissingDir(t *testing.T) {
	loader := NewScriptLoader(filepath.Join(t.TempDir(), "nope"), nil, nil)
	ids, err := loader.Available()
	require.NoError(t, err)
	assert.Empty(t, ids)
}
