package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestLoadScriptOrdersSteps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "script.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
- at: 2s
  command: release 0.api.ops.local
- at: 0s
  command: create 0.api.ops.local
- at: 1s
  command: claim 0.api.ops.local
`), 0o600))

	steps, err := loadScript(path)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	require.Equal(t, "create 0.api.ops.local", steps[0].Command)
	require.Equal(t, "claim 0.api.ops.local", steps[1].Command)
	require.Equal(t, "release 0.api.ops.local", steps[2].Command)
}

func TestSimulatedSession(t *testing.T) {
	out := &syncBuffer{}
	ctx := context.Background()
	sh, err := newShell(ctx, "simulated", "", out)
	require.NoError(t, err)
	defer sh.close()

	for _, line := range []string{
		"create 0.api.ops.local",
		"claim 0.api.ops.local",
		"endpoint 0.api.ops.local http 10.0.0.1:8080 http",
		"state 0.api.ops.local running ready",
		"resolve http.0.api.ops.local",
		"status 0.api.ops.local",
		"lock 0.api.ops.local service leader",
	} {
		sh.handleCommand(ctx, line)
	}
	require.NotContains(t, out.String(), "error:")
	require.Contains(t, out.String(), "0.api.ops.local/http 10.0.0.1:8080 http")
	require.Contains(t, out.String(), "RUNNING \"ready\"")
	require.Contains(t, out.String(), "lock leader held")

	sh.handleCommand(ctx, "claim 0.api.ops.local")
	require.Contains(t, out.String(), "error:")
	sh.handleCommand(ctx, "bogus")
	require.Contains(t, out.String(), `unknown command "bogus"`)
}
