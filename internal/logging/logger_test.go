package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"INFO":    zerolog.InfoLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "level %q", in)
	}
}

func TestSetup_ConsoleAndFile(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var console bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "cortexmem.log")

	closer, err := Setup(Config{Level: "debug", FilePath: path, Console: &console})
	require.NoError(t, err)

	log.Debug().Str("profile", "default").Msg("hello from test")
	require.NoError(t, closer.Close())

	assert.Contains(t, console.String(), "hello from test")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"profile":"default"`)
}

func TestSetup_LevelFilters(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var console bytes.Buffer
	closer, err := Setup(Config{Level: "warn", Console: &console})
	require.NoError(t, err)
	defer closer.Close()

	log.Info().Msg("should be hidden")
	log.Warn().Msg("should be shown")

	assert.NotContains(t, console.String(), "should be hidden")
	assert.Contains(t, console.String(), "should be shown")
}

func TestSetup_QuietWithoutFile(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	closer, err := Setup(Config{Level: "info", Quiet: true})
	require.NoError(t, err)
	assert.NoError(t, closer.Close())
}

func TestComponentLogger(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var console bytes.Buffer
	closer, err := Setup(Config{Level: "info", Console: &console, Colored: false})
	require.NoError(t, err)
	defer closer.Close()

	l := Component("graph")
	l.Info().Msg("build done")
	assert.Contains(t, console.String(), "graph")
}
