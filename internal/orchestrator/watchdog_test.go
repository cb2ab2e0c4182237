package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/minejiarong/wqbconsole/internal/domain"
)

type watchdogJobStore struct {
	fakeJobStore
	resetCount int
	resetErr   error
}

func (w *watchdogJobStore) ResetStaleJobs(ctx domain.Context) (int, error) {
	return w.resetCount, w.resetErr
}

type watchdogAlphaStore struct {
	fakeAlphaStore
	resetCount int
	resetErr   error
}

func (w *watchdogAlphaStore) ResetStaleSimulating(ctx domain.Context, staleAfter time.Duration) (int, error) {
	return w.resetCount, w.resetErr
}

func TestWatchdogStartupRecoveryEmitsEventWhenJobsReset(t *testing.T) {
	jobs := &watchdogJobStore{resetCount: 2}
	alphas := &watchdogAlphaStore{resetCount: 0}
	events := make(domain.Events, 16)

	wd := NewWatchdog(jobs, alphas, time.Minute, time.Hour, events)
	wd.startupRecovery(context.Background())

	var msgs []string
	for _, ev := range drain(events) {
		if m, ok := ev.(domain.MessageEvent); ok {
			msgs = append(msgs, m.Msg)
		}
	}
	require.Equal(t, []string{"watchdog reset 2 stale job(s)"}, msgs)
}

func TestWatchdogPeriodicSweepEmitsEventWhenAlphasReset(t *testing.T) {
	jobs := &watchdogJobStore{resetCount: 0}
	alphas := &watchdogAlphaStore{resetCount: 3}
	events := make(domain.Events, 16)

	wd := NewWatchdog(jobs, alphas, time.Minute, time.Hour, events)
	wd.periodicSweep(context.Background())

	var msgs []string
	for _, ev := range drain(events) {
		if m, ok := ev.(domain.MessageEvent); ok {
			msgs = append(msgs, m.Msg)
		}
	}
	require.Equal(t, []string{"watchdog reset 3 stale alpha(s)"}, msgs)
}

func TestWatchdogPeriodicSweepNeverTouchesJobs(t *testing.T) {
	jobs := &watchdogJobStore{resetCount: 99}
	alphas := &watchdogAlphaStore{resetCount: 0}
	events := make(domain.Events, 16)

	wd := NewWatchdog(jobs, alphas, time.Minute, time.Hour, events)
	wd.periodicSweep(context.Background())

	require.Empty(t, drain(events), "periodicSweep must never call ResetStaleJobs")
}

func TestWatchdogSweepsSilentWhenNothingStale(t *testing.T) {
	jobs := &watchdogJobStore{resetCount: 0}
	alphas := &watchdogAlphaStore{resetCount: 0}
	events := make(domain.Events, 16)

	wd := NewWatchdog(jobs, alphas, time.Minute, time.Hour, events)
	wd.startupRecovery(context.Background())
	wd.periodicSweep(context.Background())

	require.Empty(t, drain(events))
}

func TestWatchdogDefaultsAppliedForNonPositiveDurations(t *testing.T) {
	wd := NewWatchdog(&fakeJobStore{}, &fakeAlphaStore{}, 0, 0, make(domain.Events, 1))
	require.Equal(t, 10*time.Minute, wd.staleAfter)
	require.Equal(t, time.Minute, wd.interval)
}
