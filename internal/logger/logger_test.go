package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithFile(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "keel.log")

	l, err := New(Config{
		Level:   "debug",
		File:    logFile,
		Console: false,
	})
	require.NoError(t, err)
	defer l.Close()

	l.Info().Str("component", "test").Msg("hello")

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"test"`)
	assert.Contains(t, string(data), "hello")
}

func TestNewInvalidLevelFallsBack(t *testing.T) {
	l, err := New(Config{Level: "nope", Console: false})
	require.NoError(t, err)
	defer l.Close()

	assert.Equal(t, "info", l.GetZerolog().GetLevel().String())
}

func TestRedactionInFile(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "keel.log")

	l, err := New(Config{
		Level:     "info",
		File:      logFile,
		Redaction: true,
	})
	require.NoError(t, err)
	defer l.Close()

	l.Info().Msg("key is sk-ant-REDACTED")

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[REDACTED]")
	assert.NotContains(t, string(data), "sk-ant-abcdefghijklmnop")
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Console)
	assert.True(t, cfg.Redaction)
}

func TestRedactorPatterns(t *testing.T) {
	r := NewRedactor()

	tests := []struct {
		name  string
		input string
	}{
		{"anthropic key", "sk-ant-REDACTED"},
		{"openai key", "sk-proj1234567890abcdefghij"},
		{"bearer", "Bearer eyJhbGciOiJIUzI1NiJ9.payload"},
		{"password", `password: "hunter2222"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := r.Redact(tt.input)
			assert.Contains(t, out, "[REDACTED]")
		})
	}
}

func TestRedactorPassesPlainText(t *testing.T) {
	r := NewRedactor()
	s := "session demo-1 completed with 3 tool calls"
	assert.Equal(t, s, r.Redact(s))
}

func TestRotatingWriterRotates(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "rotate.log")

	// 1MB threshold, write past it in two chunks
	w, err := NewRotatingWriter(logFile, 1, 0, false)
	require.NoError(t, err)
	defer w.Close()

	chunk := strings.Repeat("x", 600*1024)
	_, err = w.Write([]byte(chunk))
	require.NoError(t, err)
	_, err = w.Write([]byte(chunk))
	require.NoError(t, err)

	files, err := filepath.Glob(filepath.Join(dir, "rotate.log.*"))
	require.NoError(t, err)
	assert.Len(t, files, 1, "expected one rotated file")
}
