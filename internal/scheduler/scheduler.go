// Package scheduler runs the periodic maintenance jobs of a memory engine:
// the archive tier pass, graph rebuilds and ranking model retraining. Each
// job runs once per profile on a cron schedule, with a bounded number of
// profiles processed at once.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/normanking/cortexmem/internal/errs"
	"github.com/normanking/cortexmem/internal/graph"
)

// JobFunc runs one job against one profile.
type JobFunc func(ctx context.Context, profile string) error

// ProfileLister returns the profiles a job should visit.
type ProfileLister func(ctx context.Context) ([]string, error)

// Scheduler manages cron jobs for engine maintenance.
type Scheduler struct {
	cron        *cron.Cron
	profiles    ProfileLister
	concurrency int

	mu   sync.Mutex
	jobs map[string]JobFunc
	ids  map[string]cron.EntryID
	ctx  context.Context
	stop context.CancelFunc
}

// New creates a scheduler. Concurrency below one runs profiles one at a time.
func New(profiles ProfileLister, concurrency int) *Scheduler {
	if concurrency < 1 {
		concurrency = 1
	}
	ctx, stop := context.WithCancel(context.Background())
	logger := cronLogger{log.Logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		profiles:    profiles,
		concurrency: concurrency,
		jobs:        make(map[string]JobFunc),
		ids:         make(map[string]cron.EntryID),
		ctx:         ctx,
		stop:        stop,
	}
}

// Add registers job under name on the cron spec. An empty spec registers the
// job for Run without scheduling it.
func (s *Scheduler) Add(name, spec string, job JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %q already registered", name)
	}
	s.jobs[name] = job
	if spec == "" {
		log.Debug().Str("job", name).Msg("Job registered without schedule")
		return nil
	}

	id, err := s.cron.AddFunc(spec, func() {
		if _, err := s.Run(s.ctx, name); err != nil {
			log.Warn().Err(err).Str("job", name).Msg("Scheduled job finished with errors")
		}
	})
	if err != nil {
		delete(s.jobs, name)
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	s.ids[name] = id
	log.Info().Str("job", name).Str("spec", spec).Msg("Job scheduled")
	return nil
}

// Jobs lists registered job names with their next run time. Unscheduled jobs
// have a zero time.
func (s *Scheduler) Jobs() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.jobs))
	for name := range s.jobs {
		if id, ok := s.ids[name]; ok {
			out[name] = s.cron.Entry(id).Next
		} else {
			out[name] = time.Time{}
		}
	}
	return out
}

// Start starts the scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling, cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.stop()
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Result is the outcome of one job run across all profiles.
type Result struct {
	Job      string
	Ran      []string
	Skipped  []string
	Failed   map[string]error
	Duration time.Duration
}

// Run executes the named job once for every profile. Profiles without
// enough data, or with the graph disabled, are skipped. A failure in one
// profile does not stop the others; failures are joined into the returned
// error.
func (s *Scheduler) Run(ctx context.Context, name string) (Result, error) {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	res := Result{Job: name, Failed: make(map[string]error)}
	if !ok {
		return res, errs.NewNotFound("job", name)
	}

	start := time.Now()
	profiles, err := s.profiles(ctx)
	if err != nil {
		return res, fmt.Errorf("list profiles: %w", err)
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.concurrency)
	for _, p := range profiles {
		p := p
		g.Go(func() error {
			err := job(ctx, p)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				res.Ran = append(res.Ran, p)
			case skippable(err):
				res.Skipped = append(res.Skipped, p)
				log.Debug().Err(err).Str("job", name).Str("profile", p).Msg("Job skipped")
			default:
				res.Failed[p] = err
				log.Error().Err(err).Str("job", name).Str("profile", p).Msg("Job failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(res.Ran)
	sort.Strings(res.Skipped)
	res.Duration = time.Since(start)
	log.Info().
		Str("job", name).
		Int("ran", len(res.Ran)).
		Int("skipped", len(res.Skipped)).
		Int("failed", len(res.Failed)).
		Dur("took", res.Duration).
		Msg("Job finished")

	if len(res.Failed) == 0 {
		return res, nil
	}
	names := make([]string, 0, len(res.Failed))
	for p := range res.Failed {
		names = append(names, p)
	}
	sort.Strings(names)
	joined := make([]error, len(names))
	for i, p := range names {
		joined[i] = fmt.Errorf("%s: %w", p, res.Failed[p])
	}
	return res, errors.Join(joined...)
}

func skippable(err error) bool {
	var insufficient *errs.InsufficientDataError
	return errors.As(err, &insufficient) || errors.Is(err, graph.ErrDisabled)
}

// cronLogger adapts zerolog to cron's logger interface.
type cronLogger struct {
	l zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
