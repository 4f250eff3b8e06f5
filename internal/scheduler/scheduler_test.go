package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortexmem/internal/errs"
	"github.com/normanking/cortexmem/internal/graph"
)

func profiles(names ...string) ProfileLister {
	return func(context.Context) ([]string, error) { return names, nil }
}

func TestRunVisitsEveryProfile(t *testing.T) {
	s := New(profiles("default", "work", "mobile"), 2)

	var (
		running, peak atomic.Int32
		seen          = make(chan string, 3)
	)
	require.NoError(t, s.Add("build", "", func(ctx context.Context, p string) error {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		seen <- p
		return nil
	}))

	res, err := s.Run(context.Background(), "build")
	require.NoError(t, err)
	close(seen)

	assert.Equal(t, []string{"default", "mobile", "work"}, res.Ran)
	assert.Len(t, seen, 3)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRunSkipsAndCollectsFailures(t *testing.T) {
	s := New(profiles("a", "b", "c", "d"), 4)
	boom := errors.New("disk full")
	require.NoError(t, s.Add("retrain", "", func(ctx context.Context, p string) error {
		switch p {
		case "a":
			return &errs.InsufficientDataError{ProfileID: p, Eligible: 3, Required: 10}
		case "b":
			return graph.ErrDisabled
		case "c":
			return boom
		}
		return nil
	}))

	res, err := s.Run(context.Background(), "retrain")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"d"}, res.Ran)
	assert.Equal(t, []string{"a", "b"}, res.Skipped)
	assert.Contains(t, res.Failed, "c")
}

func TestRunUnknownJob(t *testing.T) {
	s := New(profiles(), 1)
	_, err := s.Run(context.Background(), "nope")
	var nf *errs.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestAddRejectsDuplicatesAndBadSpecs(t *testing.T) {
	s := New(profiles(), 1)
	noop := func(context.Context, string) error { return nil }

	require.NoError(t, s.Add("archive", "@daily", noop))
	assert.Error(t, s.Add("archive", "@daily", noop))
	assert.Error(t, s.Add("graph", "whenever", noop))

	jobs := s.Jobs()
	assert.Contains(t, jobs, "archive")
	assert.NotContains(t, jobs, "graph")
}

func TestScheduledJobFires(t *testing.T) {
	s := New(profiles("default"), 1)
	fired := make(chan string, 1)
	require.NoError(t, s.Add("tick", "@every 1s", func(ctx context.Context, p string) error {
		select {
		case fired <- p:
		default:
		}
		return nil
	}))

	s.Start()
	defer s.Stop()

	select {
	case p := <-fired:
		assert.Equal(t, "default", p)
	case <-time.After(3 * time.Second):
		t.Fatal("scheduled job did not run")
	}
}
