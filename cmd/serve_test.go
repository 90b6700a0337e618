package cmd

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPidFilePath(t *testing.T) {
	dir := testEnv(t)

	expected := filepath.Join(dir, "overseer-serve.pid")
	assert.Equal(t, expected, pidFilePath())
}

func TestServeStopRun_NotRunning(t *testing.T) {
	testEnv(t)

	// No PID file exists, so stop should return an error.
	err := serveStopRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no running server")
}
