package logging_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/seo-engine/logging"
)

func TestNew_WritesAndTruncatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "seo.log")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("previous run\n"), 0o644))

	logger, closeFn, err := logging.New("info", path)
	require.NoError(t, err)
	logger.Debug("hidden")
	logger.Info("pipeline started")
	closeFn()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "previous run")
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), `"msg":"pipeline started"`)
}

func TestNew_ConsoleOnly(t *testing.T) {
	logger, closeFn, err := logging.New("debug", "")
	require.NoError(t, err)
	defer closeFn()
	assert.NotNil(t, logger)
}

func TestNew_RejectsLevel(t *testing.T) {
	_, _, err := logging.New("loud", "")
	assert.Error(t, err)
}
