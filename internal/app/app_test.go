package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ticksched/internal/config"
	"ticksched/internal/eventbus"
	logx "ticksched/pkg/logx"
	"ticksched/pkg/tickloop"
)

const baseConfig = `{
  "loop": {"name": "test", "interval": "1ms", "heartbeat_every": "0s"},
  "logging": {"level": "error"},
  "history": {"driver": "memory", "size": 50},
  "jobs": [{"name": "tick", "schedule": "@every 1s", "action": "log"}]
}`

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func startApp(t *testing.T, body string) (*App, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ticksched.json")
	writeConfig(t, path, body)
	a, err := NewApp(path)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	})
	return a, path
}

func TestNewAppRejectsBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ticksched.json")
	writeConfig(t, path, `{"jobs": [{"name": "x", "schedule": "not a cron", "action": "log"}]}`)
	if _, err := NewApp(path); err == nil {
		t.Fatal("expected error for invalid cron schedule")
	}
	writeConfig(t, path, `{"history": {"driver": "etcd"}}`)
	if _, err := NewApp(path); err == nil {
		t.Fatal("expected error for unknown history driver")
	}
}

func TestAppRunsJobsAndRecordsHistory(t *testing.T) {
	a, _ := startApp(t, baseConfig)

	f := a.Loop().Enqueue(func(ctx context.Context) error { return nil })
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := f.Wait(ctx); err != nil {
		t.Fatalf("enqueued item: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool {
		st := a.Status(context.Background())
		return len(st.Jobs) == 1 && st.Jobs[0].Completed >= 1
	})
	// The recorder subscribes asynchronously; cron runs keep producing outcomes.
	waitFor(t, 3*time.Second, func() bool {
		for _, r := range a.Status(context.Background()).Recent {
			if r.Loop == "test" && r.State == tickloop.Completed.String() {
				return true
			}
		}
		return false
	})

	st := a.Status(context.Background())
	if st.Loop.State != tickloop.StateRunning || st.Loop.Name != "test" {
		t.Fatalf("unexpected loop snapshot: %+v", st.Loop)
	}
	if len(st.Supervisor) == 0 {
		t.Fatal("supervisor stats missing")
	}
}

func TestAppAppliesReloadedInterval(t *testing.T) {
	a, path := startApp(t, baseConfig)
	time.Sleep(100 * time.Millisecond)

	// Rejected by the producer's cron parser; nothing changes.
	writeConfig(t, path, `{
  "loop": {"name": "test", "interval": "7ms", "heartbeat_every": "0s"},
  "logging": {"level": "error"},
  "history": {"driver": "memory", "size": 50},
  "jobs": [{"name": "tick", "schedule": "every other day", "action": "log"}]
}`)
	time.Sleep(700 * time.Millisecond)
	if got := a.Loop().Interval(); got != time.Millisecond {
		t.Fatalf("rejected reload changed interval to %v", got)
	}

	writeConfig(t, path, `{
  "loop": {"name": "test", "interval": "5ms", "heartbeat_every": "0s"},
  "logging": {"level": "error"},
  "history": {"driver": "memory", "size": 50},
  "jobs": [{"name": "tick", "schedule": "@every 1s", "action": "log"},
           {"name": "boom", "schedule": "@yearly", "action": "fail"}]
}`)
	waitFor(t, 3*time.Second, func() bool { return a.Loop().Interval() == 5*time.Millisecond })
	waitFor(t, time.Second, func() bool { return len(a.Status(context.Background()).Jobs) == 2 })
}

func TestLoopStopIsFatal(t *testing.T) {
	a, _ := startApp(t, baseConfig)
	a.Loop().Cancel()
	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("app did not notice the loop stopping")
	}
	if a.Err() == nil {
		t.Fatal("expected a fatal error")
	}
}

func TestStopDrainsLoop(t *testing.T) {
	a, _ := startApp(t, baseConfig)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopSIGTERM); err != nil {
		t.Fatal(err)
	}
	if got := a.Loop().State(); got != tickloop.StateStopped {
		t.Fatalf("loop state after Stop = %v", got)
	}
	f := a.Loop().Enqueue(func(ctx context.Context) error { return nil })
	if _, err := f.Result(); err == nil {
		t.Fatal("enqueue after Stop should resolve with an error")
	}
}

func TestStopJournalsDrainedItems(t *testing.T) {
	dir := t.TempDir()
	journal := filepath.Join(dir, "history.jsonl")
	a, path := startApp(t, fmt.Sprintf(`{
  "loop": {"name": "slow", "interval": "1h", "heartbeat_every": "0s"},
  "logging": {"level": "error"},
  "history": {"driver": "file", "path": %q, "size": 50}
}`, journal))

	ids := map[string]bool{}
	for i := 0; i < 3; i++ {
		ids[a.Loop().Enqueue(func(ctx context.Context) error { return nil }).ID()] = true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopSIGTERM); err != nil {
		t.Fatal(err)
	}

	store, driver, err := OpenHistory(path, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	if driver != "file" {
		t.Fatalf("driver = %q", driver)
	}
	recs, err := store.Recent(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != len(ids) {
		t.Fatalf("expected %d journaled records, got %+v", len(ids), recs)
	}
	for _, r := range recs {
		if !ids[r.ID] || r.State != tickloop.Cancelled.String() || r.Loop != "slow" || r.Error == "" {
			t.Fatalf("unexpected record %+v", r)
		}
	}
}

func TestStatusReportsDroppedEvents(t *testing.T) {
	a, _ := startApp(t, baseConfig)
	_, unsub := a.bus.Subscribe(1)
	defer unsub()
	for i := 0; i < 3; i++ {
		a.bus.Publish(eventbus.Event{Type: "test.noise"})
	}
	if got := a.Status(context.Background()).EventsDropped; got < 2 {
		t.Fatalf("EventsDropped = %d, want at least 2", got)
	}
}

func TestRestartRequired(t *testing.T) {
	old := &config.Config{Loop: config.LoopConfig{Name: "a", PollMode: "sleep", Interval: "1ms"}}
	same := *old
	same.Loop.Interval = "5ms"
	if got := restartRequired(old, &same); len(got) != 0 {
		t.Fatalf("interval change should apply live, got %v", got)
	}
	changed := *old
	changed.Loop.PollMode = "spin"
	changed.History.Driver = "sqlite"
	got := restartRequired(old, &changed)
	if len(got) != 2 || got[0] != "loop.poll_mode" || got[1] != "history" {
		t.Fatalf("restartRequired = %v", got)
	}
}

func TestMapPprofConfig(t *testing.T) {
	cfg := &config.Config{Pprof: config.PprofConfig{Enabled: true, Addr: " 127.0.0.1:0 ", Token: " t ", ReadTimeout: "2s"}}
	pc, err := mapPprofConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if pc.Addr != "127.0.0.1:0" || pc.Token != "t" || pc.ReadTimeout != 2*time.Second || pc.IdleTimeout != 60*time.Second {
		t.Fatalf("unexpected pprof config: %+v", pc)
	}
	cfg.Pprof.IdleTimeout = "soon"
	if _, err := mapPprofConfig(cfg); err == nil {
		t.Fatal("expected duration error")
	}
}
