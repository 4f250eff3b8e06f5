package logging

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ctxKey struct{}

func TestDetachContextIgnoresParentCancellation(t *testing.T) {
	parent, cancel := context.WithCancel(context.WithValue(context.Background(), ctxKey{}, "write-42"))
	detached := DetachContext(parent)
	cancel()

	require.ErrorIs(t, parent.Err(), context.Canceled)
	assert.NoError(t, detached.Err())
	assert.Equal(t, "write-42", detached.Value(ctxKey{}))
}

func TestDetachContextKeepsRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).With().Str("profile", "work").Logger()
	parent, cancel := context.WithCancel(logger.WithContext(context.Background()))
	cancel()

	zerolog.Ctx(DetachContext(parent)).Error().Msg("applied")
	assert.Contains(t, buf.String(), `"profile":"work"`)
}

func TestDetachContextWithTimeout(t *testing.T) {
	parent, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()

	detached, stop := DetachContextWithTimeout(parent, 200*time.Millisecond)
	defer stop()

	<-parent.Done()
	assert.NoError(t, detached.Err(), "parent deadline must not propagate")

	deadline, ok := detached.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(200*time.Millisecond), deadline, 200*time.Millisecond)

	select {
	case <-detached.Done():
		assert.ErrorIs(t, detached.Err(), context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("detached context never expired")
	}
}
