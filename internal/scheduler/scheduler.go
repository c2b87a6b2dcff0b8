// Package scheduler runs the cycle sweep on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	defaultSweepTimeout   = 10 * time.Second
	secondsScheduleFields = 6
)

var errMissingSweeper = errors.New("sweeper dependency required")

// Sweeper advances the consumption cycle when it has expired.
type Sweeper interface {
	Sweep(ctx context.Context) (bool, error)
}

// Config describes a sweep schedule. Schedule accepts standard five-field cron
// expressions, six-field expressions with seconds, and descriptors such as "@every 30s".
type Config struct {
	Sweeper  Sweeper
	Schedule string
	Timeout  time.Duration
	Logger   *zap.Logger
}

// JobScheduler owns the cron runner and the single sweep entry.
type JobScheduler struct {
	cron    *cron.Cron
	entryID cron.EntryID
	sweeper Sweeper
	timeout time.Duration
	logger  *zap.Logger
}

func NewJobScheduler(cfg Config) (*JobScheduler, error) {
	if cfg.Sweeper == nil {
		return nil, errMissingSweeper
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultSweepTimeout
	}

	schedule := strings.TrimSpace(cfg.Schedule)
	options := []cron.Option{cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))}
	if len(strings.Fields(schedule)) == secondsScheduleFields {
		logger.Info("sweep schedule uses second-level fields", zap.String("schedule", schedule))
		options = append(options, cron.WithSeconds())
	}

	scheduler := &JobScheduler{
		cron:    cron.New(options...),
		sweeper: cfg.Sweeper,
		timeout: timeout,
		logger:  logger,
	}
	entryID, err := scheduler.cron.AddJob(schedule, scheduler)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	scheduler.entryID = entryID
	logger.Info("cycle sweep scheduled", zap.String("schedule", schedule))
	return scheduler, nil
}

// Run performs one sweep. It satisfies cron.Job.
func (s *JobScheduler) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	rolled, err := s.sweeper.Sweep(ctx)
	if err != nil {
		s.logger.Error("cycle sweep failed", zap.Error(err))
		return
	}
	if rolled {
		s.logger.Info("cycle sweep rolled over the consumption cycle")
	}
}

func (s *JobScheduler) Start() {
	s.cron.Start()
}

func (s *JobScheduler) NextRun() time.Time {
	return s.cron.Entry(s.entryID).Next
}

// Stop removes the sweep and waits for a running sweep to finish.
func (s *JobScheduler) Stop() {
	s.cron.Remove(s.entryID)
	<-s.cron.Stop().Done()
}
