package tracing

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_WritesAndClosesTraceFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spans.json")

	require.NoError(t, Init("batchfit-test", "dev", path))
	mu.Lock()
	assert.NotNil(t, output)
	mu.Unlock()

	_, span := StartSpan(context.Background(), "session.step", map[string]string{"step": "fit"})
	span.SetFloat("rms.total", 0.25)
	End(span, errors.New("diverged"))

	// later calls neither replace the provider nor create their file
	second := filepath.Join(dir, "second.json")
	require.NoError(t, Init("batchfit-test", "dev", second))
	assert.NoFileExists(t, second)

	require.NoError(t, Shutdown(context.Background()))
	mu.Lock()
	assert.Nil(t, output)
	mu.Unlock()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "session.step")
	assert.Contains(t, string(data), "diverged")
}

func TestNilSpan(t *testing.T) {
	var s *Span
	s.SetFloat("x", 1)
	End(s, nil)
}
