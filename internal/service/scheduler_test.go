package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/webindex/internal/domain"
	"github.com/timmy/webindex/internal/logger"
)

func TestNewScheduler_RejectsBadSchedule(t *testing.T) {
	f := newMaintenanceFixture(t)
	reaper := NewReaper(f.jobs, f.sessions, nil, nil, nil, nil, 0)
	sweeper := NewSweeper(f.metrics, f.sessions, f.jobs, nil, 0, 0)

	_, err := NewScheduler(reaper, sweeper, logger.Discard(), SchedulerConfig{ReaperSchedule: "every minute", SweeperSchedule: "@daily"})
	assert.ErrorContains(t, err, "invalid reaper schedule")

	_, err = NewScheduler(reaper, sweeper, logger.Discard(), SchedulerConfig{ReaperSchedule: "*/5 * * * *", SweeperSchedule: "61 * * * *"})
	assert.ErrorContains(t, err, "invalid retention schedule")
}

func TestScheduler_RunsTasks(t *testing.T) {
	f := newMaintenanceFixture(t)
	f.runningJob(t, "stalled", "", time.Now().UTC().Add(-time.Hour))

	reaper := NewReaper(f.jobs, f.sessions, nil, nil, nil, nil, 15*time.Minute)
	sweeper := NewSweeper(f.metrics, f.sessions, f.jobs, nil, 0, 0)
	s, err := NewScheduler(reaper, sweeper, logger.Discard(), SchedulerConfig{
		ReaperSchedule:  "@every 1s",
		SweeperSchedule: "@daily",
	})
	require.NoError(t, err)

	s.Start()
	assert.Eventually(t, func() bool {
		job, err := f.jobs.Get(context.Background(), "stalled")
		return err == nil && job.Status == domain.JobStatusFailedDead
	}, 5*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
}

func TestCronLoggerFields(t *testing.T) {
	fields := kvFields([]interface{}{"entry", 3, "next", "soon", 7, "odd", "dangling"})
	assert.Equal(t, logger.Fields{"entry": 3, "next": "soon", "7": "odd"}, fields)

	cl := cronLogger{log: logger.Discard()}
	cl.Info("wake", "now", time.Now())
	cl.Error(errors.New("boom"), "panic", "entry", 1)
}
