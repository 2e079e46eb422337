// Package sweeper schedules periodic background work for the receive
// command, such as removing expired messages when no envelopes arrive.
package sweeper

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// Scheduler runs named jobs at fixed intervals.
type Scheduler struct {
	s   gocron.Scheduler
	log *zap.Logger
}

// New creates a stopped scheduler.
func New(logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("sweeper")
	s, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
		gocron.WithLogger(zapLogger{logger.Sugar()}),
	)
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	return &Scheduler{s: s, log: logger}, nil
}

// Every runs task every interval once the scheduler is started. A run that
// is still going when the next one is due delays it rather than overlapping.
func (s *Scheduler) Every(name string, interval time.Duration, task func() error) error {
	if interval <= 0 {
		return fmt.Errorf("schedule %s: interval must be positive, got %s", name, interval)
	}
	_, err := s.s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if err := task(); err != nil {
				s.log.Warn("job failed", zap.String("job", name), zap.Error(err))
			}
		}),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	s.log.Debug("job scheduled", zap.String("job", name), zap.Duration("interval", interval))
	return nil
}

// Start begins running scheduled jobs.
func (s *Scheduler) Start() {
	s.s.Start()
}

// Shutdown stops the scheduler and waits for running jobs.
func (s *Scheduler) Shutdown() error {
	if err := s.s.Shutdown(); err != nil {
		return fmt.Errorf("shutdown scheduler: %w", err)
	}
	return nil
}

// zapLogger adapts zap to gocron's key/value logger.
type zapLogger struct {
	s *zap.SugaredLogger
}

func (l zapLogger) Debug(msg string, args ...any) { l.s.Debugw(msg, args...) }
func (l zapLogger) Error(msg string, args ...any) { l.s.Errorw(msg, args...) }
func (l zapLogger) Info(msg string, args ...any)  { l.s.Infow(msg, args...) }
func (l zapLogger) Warn(msg string, args ...any)  { l.s.Warnw(msg, args...) }
