package wipe

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// ── Stubs ────────────────────────────────────────────────────────────────

type stubRunner struct {
	lines    []string
	release  chan struct{} // when non-nil, Run blocks until closed or cancelled
	err      error
	panicMsg string

	// ignoreCancel makes Run wait for release even after ctx is done, like
	// a process that does not react to signals.
	ignoreCancel bool

	mu   sync.Mutex
	jobs []Job
}

func (s *stubRunner) Run(ctx context.Context, job Job, emit func(string)) error {
	s.mu.Lock()
	s.jobs = append(s.jobs, job)
	s.mu.Unlock()

	for _, l := range s.lines {
		emit(l)
	}
	if s.release != nil && s.ignoreCancel {
		<-s.release
		emit("runner finally stopped")
		return ctx.Err()
	}
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			emit("runner saw cancellation")
			return ctx.Err()
		}
	}
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	return s.err
}

type errInventory struct{}

func (errInventory) List(context.Context) ([]Device, error) { return nil, errors.New("lsblk missing") }
func (errInventory) Exists(context.Context, string) (bool, error) {
	return false, errors.New("lsblk missing")
}
func (errInventory) Metadata(context.Context, string) (Device, error) {
	return Device{}, errors.New("lsblk missing")
}

// ── Helpers ──────────────────────────────────────────────────────────────

func newTestOrchestrator(sim, live Runner) *Orchestrator {
	return NewOrchestrator(NewStaticInventory(DemoDevices()), sim, live, Config{}, zap.NewNop())
}

func waitTerminal(t *testing.T, o *Orchestrator, id string) Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s, err := o.Status(id)
		if err != nil {
			t.Fatal(err)
		}
		if s.Status.Terminal() {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("operation %s did not finish", id)
	return Snapshot{}
}

func waitStatus(t *testing.T, o *Orchestrator, id string, want Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s, _ := o.Status(id)
		if s.Status == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("operation %s never reached %s", id, want)
}

func messages(page LogPage) []string {
	out := make([]string, len(page.Entries))
	for i, e := range page.Entries {
		out[i] = e.Message
	}
	return out
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestParseMethod(t *testing.T) {
	for _, m := range Methods() {
		got, err := ParseMethod(strings.ToUpper(string(m)))
		if err != nil || got != m {
			t.Errorf("ParseMethod(%q): got %q, %v", m, got, err)
		}
	}
	for _, bad := range []string{"", "dod", "dodshort", "zeros", "gutman"} {
		if _, err := ParseMethod(bad); !errors.Is(err, ErrInvalidMethod) || !errors.Is(err, ErrInvalidInput) {
			t.Errorf("ParseMethod(%q): expected ErrInvalidMethod, got %v", bad, err)
		}
	}
	if MethodGutmann.Passes() != 35 || MethodDoD7.Passes() != 7 || MethodZero.Passes() != 1 {
		t.Error("unexpected pass counts")
	}
}

func TestParseMode(t *testing.T) {
	if m, err := ParseMode(""); err != nil || m != ModeSimulated {
		t.Errorf("empty mode: got %q, %v", m, err)
	}
	if m, err := ParseMode("real"); err != nil || m != ModeReal {
		t.Errorf("real: got %q, %v", m, err)
	}
	if _, err := ParseMode("dry-run"); !errors.Is(err, ErrInvalidMode) {
		t.Errorf("expected ErrInvalidMode, got %v", err)
	}
}

func TestStart_validation(t *testing.T) {
	o := newTestOrchestrator(&stubRunner{}, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		req  StartRequest
		want error
	}{
		{"bad method", StartRequest{Target: "/dev/sda", Method: "nuke"}, ErrInvalidMethod},
		{"bad mode", StartRequest{Target: "/dev/sda", Method: "zero", Mode: "fast"}, ErrInvalidMode},
		{"real disabled", StartRequest{Target: "/dev/sda", Method: "zero", Mode: "real"}, ErrInvalidMode},
		{"unknown target", StartRequest{Target: "/dev/sdz", Method: "zero"}, ErrInvalidTarget},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := o.Start(ctx, tc.req)
			if !errors.Is(err, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("expected error to wrap ErrInvalidInput: %v", err)
			}
		})
	}
	if n := len(o.List()); n != 0 {
		t.Errorf("rejected requests created %d operations", n)
	}
}

func TestStart_inventoryFailure(t *testing.T) {
	o := NewOrchestrator(errInventory{}, &stubRunner{}, nil, Config{}, nil)
	_, err := o.Start(context.Background(), StartRequest{Target: "/dev/sda", Method: "zero"})
	if err == nil || errors.Is(err, ErrInvalidInput) {
		t.Errorf("inventory failure should be an internal error, got %v", err)
	}
}

func TestStart_completes(t *testing.T) {
	r := &stubRunner{lines: []string{"Pass 1/1: writing zeros", "Progress: 50%", "Progress: 100%", "Pass 1/1 complete"}}
	o := newTestOrchestrator(r, nil)

	id, err := o.Start(context.Background(), StartRequest{Target: "/dev/sdb", Method: "zero", Verify: true})
	if err != nil {
		t.Fatal(err)
	}
	s := waitTerminal(t, o, id)

	if s.Status != StatusCompleted || s.Progress != 100 {
		t.Errorf("got status=%s progress=%d", s.Status, s.Progress)
	}
	if s.Device.Serial != "WD-WCC123456789" || s.Device.Type != "HDD" {
		t.Errorf("device metadata not captured: %+v", s.Device)
	}
	if s.StartedAt == nil || s.EndedAt == nil || s.FailureReason != "" {
		t.Errorf("unexpected snapshot: %+v", s)
	}
	if len(r.jobs) != 1 || !r.jobs[0].Verify || r.jobs[0].Method != MethodZero {
		t.Errorf("runner got %+v", r.jobs)
	}
}

func TestStart_partitionInheritsSerial(t *testing.T) {
	o := newTestOrchestrator(&stubRunner{}, nil)
	id, err := o.Start(context.Background(), StartRequest{Target: "/dev/sda2", Method: "random"})
	if err != nil {
		t.Fatal(err)
	}
	s := waitTerminal(t, o, id)
	if s.Device.Serial != "S3Z9NB0M123456" || s.Device.Path != "/dev/sda2" {
		t.Errorf("partition metadata: %+v", s.Device)
	}
}

func TestStart_conflict(t *testing.T) {
	r := &stubRunner{release: make(chan struct{})}
	o := newTestOrchestrator(r, nil)
	ctx := context.Background()

	first, err := o.Start(ctx, StartRequest{Target: "/dev/sdc", Method: "zero"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.Start(ctx, StartRequest{Target: "/dev/sdc", Method: "dod-3"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if _, err := o.Start(ctx, StartRequest{Target: "/dev/sdb", Method: "zero"}); err != nil {
		t.Errorf("other target should be free: %v", err)
	}

	close(r.release)
	waitTerminal(t, o, first)

	if _, err := o.Start(ctx, StartRequest{Target: "/dev/sdc", Method: "zero"}); err != nil {
		t.Errorf("target should be free after completion: %v", err)
	}
}

func TestStart_nonBlockingAndDetachedFromRequest(t *testing.T) {
	r := &stubRunner{release: make(chan struct{})}
	o := newTestOrchestrator(r, nil)

	reqCtx, cancel := context.WithCancel(context.Background())
	id, err := o.Start(reqCtx, StartRequest{Target: "/dev/sda", Method: "zero"})
	if err != nil {
		t.Fatal(err)
	}
	cancel()

	waitStatus(t, o, id, StatusRunning)
	close(r.release)
	if s := waitTerminal(t, o, id); s.Status != StatusCompleted {
		t.Errorf("request cancellation leaked into the operation: %+v", s)
	}
}

func TestProgress_clampedWhileRunning(t *testing.T) {
	r := &stubRunner{
		lines:   []string{"Progress: 40%", "Progress: 20%", "Progress: 100%", "Pass 3/3 complete"},
		release: make(chan struct{}),
	}
	o := newTestOrchestrator(r, nil)
	id, _ := o.Start(context.Background(), StartRequest{Target: "/dev/sda", Method: "dod-3"})

	deadline := time.Now().Add(5 * time.Second)
	var page LogPage
	for time.Now().Before(deadline) {
		page, _ = o.LogsSince(id, 0)
		if page.Progress == 99 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if page.Progress != 99 || page.Status != StatusRunning {
		t.Fatalf("expected running at 99, got %s at %d", page.Status, page.Progress)
	}

	close(r.release)
	if s := waitTerminal(t, o, id); s.Progress != 100 {
		t.Errorf("completed progress: got %d", s.Progress)
	}
}

func TestProgress_neverDecreases(t *testing.T) {
	r := &stubRunner{lines: []string{"Progress: 60%", "Progress: 10%"}, release: make(chan struct{})}
	o := newTestOrchestrator(r, nil)
	id, _ := o.Start(context.Background(), StartRequest{Target: "/dev/sda", Method: "zero"})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		page, _ := o.LogsSince(id, 0)
		if page.TotalCount >= 4 {
			if page.Progress != 60 {
				t.Errorf("progress went backwards: %d", page.Progress)
			}
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	close(r.release)
	waitTerminal(t, o, id)
}

func TestRunnerError_fails(t *testing.T) {
	r := &stubRunner{lines: []string{"Progress: 30%"}, err: ErrExternalProcess}
	o := newTestOrchestrator(r, nil)
	id, _ := o.Start(context.Background(), StartRequest{Target: "/dev/sda", Method: "zero"})

	s := waitTerminal(t, o, id)
	if s.Status != StatusFailed || s.Progress != 30 {
		t.Errorf("got %s at %d", s.Status, s.Progress)
	}
	if !strings.Contains(s.FailureReason, "external wipe process failed") {
		t.Errorf("reason: %q", s.FailureReason)
	}
	page, _ := o.LogsSince(id, 0)
	last := page.Entries[len(page.Entries)-1].Message
	if !strings.HasPrefix(last, "Wipe operation failed") {
		t.Errorf("last log line should carry the failure, got %q", last)
	}
}

func TestRunnerPanic_fails(t *testing.T) {
	o := newTestOrchestrator(&stubRunner{panicMsg: "boom"}, nil)
	id, _ := o.Start(context.Background(), StartRequest{Target: "/dev/sda", Method: "zero"})

	s := waitTerminal(t, o, id)
	if s.Status != StatusFailed || !strings.Contains(s.FailureReason, "boom") {
		t.Errorf("panic not resolved: %+v", s)
	}
}

func TestCancel(t *testing.T) {
	r := &stubRunner{lines: []string{"Pass 1/3: writing random data", "Progress: 10%"}, release: make(chan struct{})}
	o := newTestOrchestrator(r, nil)
	id, _ := o.Start(context.Background(), StartRequest{Target: "/dev/sda", Method: "dod-3"})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if p, _ := o.LogsSince(id, 0); p.Progress == 10 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	if err := o.Cancel(id); err != nil {
		t.Fatal(err)
	}
	s, _ := o.Status(id)
	if s.Status != StatusFailed {
		t.Fatalf("status after cancel: %s", s.Status)
	}
	o.Shutdown(context.Background())

	msgs := messages(mustLogs(t, o, id))
	if len(msgs) < 2 {
		t.Fatalf("log too short: %v", msgs)
	}
	if msgs[len(msgs)-1] != "Wipe operation failed: cancelled by operator" {
		t.Errorf("last line: %q", msgs[len(msgs)-1])
	}
	// Output the runner produced while stopping is flushed ahead of the
	// failure line.
	if msgs[len(msgs)-2] != "runner saw cancellation" {
		t.Errorf("runner output while stopping was lost: %v", msgs)
	}
	if !contains(msgs, "Progress: 10%") {
		t.Error("lines produced before cancellation were lost")
	}
	if s.FailureReason != "cancelled by operator" {
		t.Errorf("reason: %q", s.FailureReason)
	}

	// The runner has returned, so the target is free again.
	if _, err := o.Start(context.Background(), StartRequest{Target: "/dev/sda", Method: "zero"}); err != nil {
		t.Errorf("restart after cancel: %v", err)
	}
	defer o.Shutdown(context.Background()) //nolint:errcheck

	if err := o.Cancel(id); !errors.Is(err, ErrAlreadyTerminal) {
		t.Errorf("second cancel: expected ErrAlreadyTerminal, got %v", err)
	}
	if err := o.Cancel("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id: expected ErrNotFound, got %v", err)
	}
}

func TestCancel_unresponsiveRunnerKeepsTargetReserved(t *testing.T) {
	r := &stubRunner{release: make(chan struct{}), ignoreCancel: true}
	o := NewOrchestrator(NewStaticInventory(DemoDevices()), nil, r,
		Config{CancelGrace: 20 * time.Millisecond}, zap.NewNop())
	id, err := o.Start(context.Background(), StartRequest{Target: "/dev/sdb", Method: "zero", Mode: "real"})
	if err != nil {
		t.Fatal(err)
	}
	waitStatus(t, o, id, StatusRunning)

	if err := o.Cancel(id); err != nil {
		t.Fatal(err)
	}
	if s, _ := o.Status(id); s.Status != StatusFailed || s.FailureReason != "cancelled by operator" {
		t.Fatalf("after grace: %+v", s)
	}

	// The process may still be writing to the device.
	_, err = o.Start(context.Background(), StartRequest{Target: "/dev/sdb", Method: "zero", Mode: "real"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("start while runner alive: expected ErrConflict, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := o.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("shutdown with a live runner: expected DeadlineExceeded, got %v", err)
	}

	close(r.release)
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, err = o.Start(context.Background(), StartRequest{Target: "/dev/sdb", Method: "zero", Mode: "real"})
		if err == nil {
			break
		}
		if !errors.Is(err, ErrConflict) || time.Now().After(deadline) {
			t.Fatalf("target not released after runner returned: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	// Output after the forced failure is not recorded.
	if contains(messages(mustLogs(t, o, id)), "runner finally stopped") {
		t.Error("line recorded after the operation became terminal")
	}
}

func TestLogsSince(t *testing.T) {
	o := newTestOrchestrator(&stubRunner{lines: []string{"a", "b", "c"}}, nil)
	id, _ := o.Start(context.Background(), StartRequest{Target: "/dev/sda", Method: "zero"})
	waitTerminal(t, o, id)

	all := mustLogs(t, o, id)
	if all.TotalCount != len(all.Entries) || all.NextIndex != all.TotalCount {
		t.Errorf("counts: %+v", all)
	}

	p1, _ := o.LogsSince(id, 2)
	p2, _ := o.LogsSince(id, 2)
	if len(p1.Entries) != len(p2.Entries) || p1.Entries[0] != p2.Entries[0] {
		t.Error("LogsSince is not idempotent")
	}
	if p1.Entries[0].Index != 2 {
		t.Errorf("first index: got %d", p1.Entries[0].Index)
	}

	end, _ := o.LogsSince(id, all.NextIndex)
	if len(end.Entries) != 0 || end.Status != StatusCompleted {
		t.Errorf("poll at end: %+v", end)
	}

	if _, err := o.LogsSince("missing", 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestReport_summary(t *testing.T) {
	lines := []string{"Starting erasure process", "noise", "Pass 1/1: writing zeros", "Progress: 50%", "Progress: 100%"}
	o := newTestOrchestrator(&stubRunner{lines: lines}, nil)
	id, _ := o.Start(context.Background(), StartRequest{Target: "/dev/sda", Method: "zero"})
	waitTerminal(t, o, id)

	r, err := o.Report(id)
	if err != nil {
		t.Fatal(err)
	}
	if contains(r.LogSummary, "noise") || contains(r.LogSummary, "Progress: 50%") {
		t.Errorf("summary kept unimportant lines: %v", r.LogSummary)
	}
	for _, want := range []string{"Starting erasure process", "Progress: 100%", "Wipe operation completed"} {
		if !contains(r.LogSummary, want) {
			t.Errorf("summary missing %q: %v", want, r.LogSummary)
		}
	}
	if r.Duration == "Unknown" {
		t.Error("completed report should carry a duration")
	}
}

func TestTransitionHook(t *testing.T) {
	o := newTestOrchestrator(&stubRunner{}, nil)
	var mu sync.Mutex
	var seen []Status
	o.SetTransitionHook(func(_, to Status, _ Snapshot) {
		mu.Lock()
		seen = append(seen, to)
		mu.Unlock()
	})

	id, _ := o.Start(context.Background(), StartRequest{Target: "/dev/sda", Method: "zero"})
	waitTerminal(t, o, id)
	_ = o.Shutdown(context.Background())

	mu.Lock()
	defer mu.Unlock()
	want := []Status{StatusPending, StatusRunning, StatusCompleted}
	if len(seen) != len(want) {
		t.Fatalf("transitions: got %v", seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition %d: got %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestList_newestFirst(t *testing.T) {
	o := newTestOrchestrator(&stubRunner{}, nil)
	first, _ := o.Start(context.Background(), StartRequest{Target: "/dev/sda", Method: "zero"})
	time.Sleep(2 * time.Millisecond)
	second, _ := o.Start(context.Background(), StartRequest{Target: "/dev/sdb", Method: "zero"})

	list := o.List()
	if len(list) != 2 || list[0].ID != second || list[1].ID != first {
		t.Errorf("unexpected order: %+v", list)
	}
}

func TestShutdown_abortsRunning(t *testing.T) {
	r := &stubRunner{release: make(chan struct{})}
	o := newTestOrchestrator(r, nil)
	id, _ := o.Start(context.Background(), StartRequest{Target: "/dev/sda", Method: "zero"})
	waitStatus(t, o, id, StatusRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	s, _ := o.Status(id)
	if s.Status != StatusFailed || s.FailureReason != "server shutting down" {
		t.Errorf("after shutdown: %+v", s)
	}
}

func mustLogs(t *testing.T, o *Orchestrator, id string) LogPage {
	t.Helper()
	p, err := o.LogsSince(id, 0)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
