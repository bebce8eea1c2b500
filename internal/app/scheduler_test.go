package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hongbao/ledger-service/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSchedulerRejectsInvalidSchedule(t *testing.T) {
	f := newLifecycleFixture(t)
	scheduler := NewScheduler(f.lifecycle, discardLogger(), "every now and then")
	if err := scheduler.Start(); err == nil {
		t.Fatalf("expected invalid schedule to be rejected")
	}
}

func TestSchedulerSweepExpiresStaleCreations(t *testing.T) {
	f := newLifecycleFixture(t)
	fund(t, f.repo, "creator", 100)
	group := f.createGroup(t, "creator", "create-1")

	f.now = testNow.Add(time.Hour)
	scheduler := NewScheduler(f.lifecycle, discardLogger(), "@every 1h")
	scheduler.ExpireStaleCreations()

	expired, err := f.lifecycle.GetGroup(context.Background(), group.ID)
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if expired.Status != domain.GroupStatusFailed {
		t.Fatalf("expected failed group, got %s", expired.Status)
	}
	if got := balanceOf(t, f.repo, "creator"); got != 100 {
		t.Fatalf("expected refunded balance 100, got %d", got)
	}
}

func TestSchedulerStartStop(t *testing.T) {
	f := newLifecycleFixture(t)
	scheduler := NewScheduler(f.lifecycle, discardLogger(), "@every 1h")
	if err := scheduler.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-scheduler.Stop().Done():
	case <-time.After(time.Second):
		t.Fatalf("expected scheduler to stop promptly")
	}
}
