package log

import (
	"bytes"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"":         slog.LevelInfo,
		"DEBUG":    slog.LevelDebug,
		" warning": slog.LevelWarn,
		"err":      slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestLevelFilter(t *testing.T) {
	buff := &bytes.Buffer{}
	Configure(buff, false)
	defer Configure(os.Stderr, false)
	defer SetLevel(slog.LevelInfo)

	SetLevel(slog.LevelWarn)
	INFO.Printf("hidden %d", 1)
	WARN.Printf("shown %d", 2)

	assert.NotContains(t, buff.String(), "hidden")
	assert.Contains(t, buff.String(), "shown 2")
	assert.Contains(t, buff.String(), "level=WARN")
}
