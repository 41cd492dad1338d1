// Package scheduler triggers periodic jobs inside the notifier process.
package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Schedule determines when a periodic job should run next.
type Schedule interface {
	Next(from time.Time) time.Time
	String() string
}

type intervalSchedule struct {
	every time.Duration
}

func (s intervalSchedule) Next(from time.Time) time.Time {
	return from.Add(s.every)
}

func (s intervalSchedule) String() string {
	return fmt.Sprintf("every %v", s.every)
}

type dailySchedule struct {
	hour   int
	minute int
}

func (s dailySchedule) Next(from time.Time) time.Time {
	next := time.Date(from.Year(), from.Month(), from.Day(), s.hour, s.minute, 0, 0, from.Location())
	if !next.After(from) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func (s dailySchedule) String() string {
	return fmt.Sprintf("daily at %02d:%02d", s.hour, s.minute)
}

// Every runs at a fixed interval.
func Every(d time.Duration) Schedule {
	return intervalSchedule{every: d}
}

// Daily parses "HH:MM" (24h, in the location of the clock) into a once-a-day schedule.
func Daily(at string) (Schedule, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(at), ":")
	if !ok {
		return nil, fmt.Errorf("invalid daily time %q: want HH:MM", at)
	}
	hour, err := strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return nil, fmt.Errorf("invalid daily time %q: bad hour", at)
	}
	minute, err := strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 {
		return nil, fmt.Errorf("invalid daily time %q: bad minute", at)
	}
	return dailySchedule{hour: hour, minute: minute}, nil
}

// Job is one scheduled run. Errors are logged; they never stop the schedule.
type Job func(ctx context.Context) error

// Run invokes job each time schedule fires until ctx is cancelled. Runs never overlap
// within one process.
func Run(ctx context.Context, name string, schedule Schedule, job Job, logger *zap.Logger) {
	log := logger.With(zap.String("job", name))
	log.Info("scheduled job registered", zap.String("schedule", schedule.String()))

	for {
		next := schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))

		select {
		case <-ctx.Done():
			timer.Stop()
			log.Info("scheduled job stopping")
			return
		case <-timer.C:
		}

		if err := job(ctx); err != nil {
			log.Error("scheduled job failed", zap.Error(err))
		}
	}
}
