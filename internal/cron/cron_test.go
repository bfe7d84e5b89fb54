package cron

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

const everySecond = "* * * * * *"

func TestService_AddJobRejectsBadSchedule(t *testing.T) {
	s := NewService("")
	if err := s.AddJob("bad", "every tuesday", func(context.Context) (string, error) { return "", nil }); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
	// Five-field expressions lack the seconds column.
	if err := s.AddJob("five", "0 * * * *", func(context.Context) (string, error) { return "", nil }); err == nil {
		t.Fatal("expected error for five-field schedule")
	}
}

func TestService_AddJobDuplicate(t *testing.T) {
	s := NewService("")
	fn := func(context.Context) (string, error) { return "", nil }
	if err := s.AddJob("a", everySecond, fn); err != nil {
		t.Fatalf("AddJob error: %v", err)
	}
	if err := s.AddJob("a", everySecond, fn); err == nil {
		t.Fatal("expected duplicate name error")
	}
}

func TestService_RunNowRecordsState(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "cron_state.json")
	s := NewService(statePath)
	fixed := time.UnixMilli(1_700_000_000_000)
	s.now = func() time.Time { return fixed }

	fail := true
	if err := s.AddJob("flaky", everySecond, func(context.Context) (string, error) {
		if fail {
			return "", errors.New("boom")
		}
		return "done", nil
	}); err != nil {
		t.Fatalf("AddJob error: %v", err)
	}

	if err := s.RunNow("flaky"); err != nil {
		t.Fatalf("RunNow error: %v", err)
	}
	jobs := s.ListJobs()
	if jobs[0].State.LastStatus != statusError || jobs[0].State.LastError != "boom" {
		t.Errorf("state after failure = %+v", jobs[0].State)
	}

	fail = false
	if err := s.RunNow("flaky"); err != nil {
		t.Fatalf("RunNow error: %v", err)
	}
	jobs = s.ListJobs()
	st := jobs[0].State
	if st.LastStatus != statusOK || st.LastError != "" || st.LastResult != "done" || st.Runs != 2 {
		t.Errorf("state after success = %+v", st)
	}
	if st.LastRunAtMs != fixed.UnixMilli() {
		t.Errorf("LastRunAtMs = %d, want %d", st.LastRunAtMs, fixed.UnixMilli())
	}

	persisted, err := LoadJobs(statePath)
	if err != nil {
		t.Fatalf("LoadJobs error: %v", err)
	}
	if len(persisted) != 1 || persisted[0].State.Runs != 2 {
		t.Errorf("persisted = %+v, want one job with 2 runs", persisted)
	}

	// A new service picks up the previous run count.
	s2 := NewService(statePath)
	if err := s2.AddJob("flaky", everySecond, func(context.Context) (string, error) { return "", nil }); err != nil {
		t.Fatalf("AddJob error: %v", err)
	}
	if got := s2.ListJobs()[0].State.Runs; got != 2 {
		t.Errorf("restored runs = %d, want 2", got)
	}
}

func TestService_RunNowUnknown(t *testing.T) {
	if err := NewService("").RunNow("missing"); err == nil {
		t.Fatal("expected error for unknown job")
	}
}

func TestLoadJobs_Missing(t *testing.T) {
	jobs, err := LoadJobs(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil || jobs != nil {
		t.Fatalf("LoadJobs = %v, %v; want nil, nil", jobs, err)
	}
}

func TestService_StartRunsScheduledJob(t *testing.T) {
	s := NewService("")
	var runs atomic.Int32
	if err := s.AddJob("tick", everySecond, func(context.Context) (string, error) {
		runs.Add(1)
		return "tick", nil
	}); err != nil {
		t.Fatalf("AddJob error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer s.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if runs.Load() == 0 {
		t.Fatal("scheduled job never ran")
	}
}

type fakePruner struct {
	maxAge time.Duration
	n      int
}

func (p *fakePruner) Prune(maxAge time.Duration) int {
	p.maxAge = maxAge
	return p.n
}

type fakeSweeper struct{ n int }

func (f fakeSweeper) SweepCache() int { return f.n }

func TestRegisterHousekeeping(t *testing.T) {
	s := NewService("")
	pruner := &fakePruner{n: 3}
	if err := RegisterHousekeeping(s, everySecond, pruner, time.Hour, fakeSweeper{n: 2}); err != nil {
		t.Fatalf("RegisterHousekeeping error: %v", err)
	}
	jobs := s.ListJobs()
	if len(jobs) != 2 || jobs[0].Name != JobGuardPrune || jobs[1].Name != JobSummaryCacheSweep {
		t.Fatalf("jobs = %+v", jobs)
	}

	if err := s.RunNow(JobGuardPrune); err != nil {
		t.Fatalf("RunNow error: %v", err)
	}
	if err := s.RunNow(JobSummaryCacheSweep); err != nil {
		t.Fatalf("RunNow error: %v", err)
	}
	if pruner.maxAge != time.Hour {
		t.Errorf("prune maxAge = %v, want 1h", pruner.maxAge)
	}
	jobs = s.ListJobs()
	if jobs[0].State.LastResult != "pruned 3 entries older than 1h0m0s" {
		t.Errorf("prune result = %q", jobs[0].State.LastResult)
	}
	if jobs[1].State.LastResult != "swept 2 expired summaries" {
		t.Errorf("sweep result = %q", jobs[1].State.LastResult)
	}
}

func TestRegisterHousekeeping_NilCollaborators(t *testing.T) {
	s := NewService("")
	if err := RegisterHousekeeping(s, everySecond, nil, time.Hour, nil); err != nil {
		t.Fatalf("RegisterHousekeeping error: %v", err)
	}
	if n := len(s.ListJobs()); n != 0 {
		t.Errorf("jobs = %d, want 0", n)
	}
}
