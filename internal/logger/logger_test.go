package logger

import (
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsoleFuncReceivesLines(t *testing.T) {
	log, err := Setup(Config{Level: slog.LevelInfo})
	require.NoError(t, err)

	var mu sync.Mutex
	var lines []string
	log.SetConsoleFunc(func(line string) {
		mu.Lock()
		lines = append(lines, line)
		mu.Unlock()
	})

	log.Info("Watching channel", "channel", "streamer")
	log.Debug("below the console level")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "INFO")
	assert.Contains(t, lines[0], "Watching channel")
	assert.Contains(t, lines[0], "channel=streamer")
}

func TestConsoleFuncUnsetIsNoop(t *testing.T) {
	log, err := Setup(Config{Level: slog.LevelInfo})
	require.NoError(t, err)

	// Logging without a registered hook must not panic or block.
	log.Info("no hook registered")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARNING"))
	assert.Equal(t, slog.LevelError, ParseLevel("ERROR"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}
