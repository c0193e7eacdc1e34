package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "lokiseq.log")
	require.NoError(t, Init(Config{Level: "debug", Format: "json", File: path}))
	t.Cleanup(func() {
		_ = Close()
		_ = Init(Config{Level: "info"})
	})

	assert.Equal(t, logrus.DebugLevel, Logger.GetLevel())
	WithComponent("test").WithField("seq", 7).Info("hello")

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"component":"test"`)
	assert.Contains(t, string(b), `"seq":7`)
}

func TestInitFallsBackToInfo(t *testing.T) {
	require.NoError(t, Init(Config{Level: "loud"}))
	assert.Equal(t, logrus.InfoLevel, Logger.GetLevel())
}
