package wipe

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/erash/internal/logbuf"
	"go.uber.org/zap"
)

// Config tunes the orchestrator.
type Config struct {
	// LogMaxEntries caps each operation's retained log; 0 keeps everything.
	LogMaxEntries int

	// LogMinRetention protects young log lines from eviction.
	LogMinRetention time.Duration

	// SummaryLines bounds the log summary carried by a Report.
	SummaryLines int

	// CancelGrace bounds how long Abort waits for a cancelled runner to
	// return before resolving the operation anyway; defaults to 15s.
	CancelGrace time.Duration
}

// StartRequest describes a new operation. Method and Mode are validated by
// Start; an empty Mode selects simulated.
type StartRequest struct {
	Target string
	Method string
	Mode   string
	Verify bool
}

// LogPage is the answer to an incremental log poll.
type LogPage struct {
	Entries    []logbuf.Entry `json:"logs"`
	Progress   int            `json:"progress"`
	Status     Status         `json:"status"`
	NextIndex  int            `json:"next_index"`
	TotalCount int            `json:"total_count"`
	FirstIndex int            `json:"first_index"`
	Truncated  bool           `json:"truncated"`
}

// TransitionHook is called after every status change, outside any lock.
type TransitionHook func(from, to Status, snap Snapshot)

type operation struct {
	mu sync.RWMutex

	id        string
	target    string
	method    Method
	mode      Mode
	verify    bool
	device    Device
	createdAt time.Time

	status    Status
	progress  int
	startedAt *time.Time
	endedAt   *time.Time
	reason    string
	heartbeat time.Time

	// abortReason is set once cancellation was requested; the runner is
	// then drained before the operation fails with this reason.
	abortReason string

	log    *logbuf.Buffer
	cancel context.CancelFunc
	done   chan struct{} // closed once the runner goroutine has returned
}

func (op *operation) terminal() bool {
	op.mu.RLock()
	defer op.mu.RUnlock()
	return op.status.Terminal()
}

func (op *operation) snapshotLocked() Snapshot {
	return Snapshot{
		ID:            op.id,
		TargetPath:    op.target,
		Method:        op.method,
		Mode:          op.mode,
		Verify:        op.verify,
		Status:        op.status,
		Progress:      op.progress,
		Device:        op.device,
		CreatedAt:     op.createdAt,
		StartedAt:     op.startedAt,
		EndedAt:       op.endedAt,
		FailureReason: op.reason,
		LogCount:      op.log.Len(),
	}
}

// Orchestrator owns every wipe operation. Operations are retained after they
// finish so that their logs and reports remain available for audit.
type Orchestrator struct {
	mu     sync.RWMutex
	ops    map[string]*operation
	active map[string]string // target path -> id of the operation whose runner still owns it

	inventory Inventory
	runners   map[Mode]Runner
	cfg       Config
	logger    *zap.Logger

	onTransition TransitionHook
	wg           sync.WaitGroup
}

// NewOrchestrator creates an Orchestrator. simulated and live may be nil, in
// which case requests for that mode are rejected as ErrInvalidMode.
func NewOrchestrator(inv Inventory, simulated, live Runner, cfg Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SummaryLines == 0 {
		cfg.SummaryLines = 10
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = 15 * time.Second
	}
	runners := make(map[Mode]Runner, 2)
	if simulated != nil {
		runners[ModeSimulated] = simulated
	}
	if live != nil {
		runners[ModeReal] = live
	}
	return &Orchestrator{
		ops:       make(map[string]*operation),
		active:    make(map[string]string),
		inventory: inv,
		runners:   runners,
		cfg:       cfg,
		logger:    logger,
	}
}

// SetTransitionHook registers fn to observe status changes.
func (o *Orchestrator) SetTransitionHook(fn TransitionHook) {
	o.onTransition = fn
}

// Inventory returns the device inventory used to validate targets.
func (o *Orchestrator) Inventory() Inventory { return o.inventory }

// Start validates req, registers a pending operation and launches its runner
// in the background. It returns as soon as the operation is registered; the
// operation is not bound to ctx.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (string, error) {
	method, err := ParseMethod(req.Method)
	if err != nil {
		return "", err
	}
	mode, err := ParseMode(req.Mode)
	if err != nil {
		return "", err
	}
	runner, ok := o.runners[mode]
	if !ok {
		return "", fmt.Errorf("%w: %s mode is not enabled", ErrInvalidMode, mode)
	}

	exists, err := o.inventory.Exists(ctx, req.Target)
	if err != nil {
		return "", fmt.Errorf("query inventory: %w", err)
	}
	if !exists {
		return "", fmt.Errorf("%w: %s", ErrInvalidTarget, req.Target)
	}
	device, err := o.inventory.Metadata(ctx, req.Target)
	if err != nil {
		return "", fmt.Errorf("device metadata: %w", err)
	}

	now := time.Now().UTC()
	op := &operation{
		id:        uuid.New().String(),
		target:    req.Target,
		method:    method,
		mode:      mode,
		verify:    req.Verify,
		device:    device,
		createdAt: now,
		status:    StatusPending,
		heartbeat: now,
		done:      make(chan struct{}),
		log: logbuf.New(logbuf.Options{
			MaxEntries:   o.cfg.LogMaxEntries,
			MinRetention: o.cfg.LogMinRetention,
		}),
	}
	runCtx, cancel := context.WithCancel(context.Background())
	op.cancel = cancel

	o.mu.Lock()
	if prev, busy := o.active[req.Target]; busy {
		o.mu.Unlock()
		cancel()
		return "", fmt.Errorf("%w: %s (operation %s)", ErrConflict, req.Target, prev)
	}
	o.ops[op.id] = op
	o.active[req.Target] = op.id
	o.mu.Unlock()

	op.log.Append(fmt.Sprintf("Wipe operation %s queued for %s (method %s, mode %s)", op.id, op.target, method, mode))
	o.logger.Info("wipe operation created",
		zap.String("id", op.id),
		zap.String("target", op.target),
		zap.String("method", string(method)),
		zap.String("mode", string(mode)),
	)
	o.notify("", StatusPending, op)

	o.wg.Add(1)
	go o.run(runCtx, op, runner)
	return op.id, nil
}

func (o *Orchestrator) run(ctx context.Context, op *operation, runner Runner) {
	defer o.wg.Done()
	defer close(op.done)
	defer op.cancel()

	op.mu.Lock()
	if reason := op.abortReason; reason != "" || op.status.Terminal() {
		op.mu.Unlock()
		o.release(op)
		o.finish(op, StatusFailed, reason)
		return
	}
	now := time.Now().UTC()
	op.status = StatusRunning
	op.startedAt = &now
	op.heartbeat = now
	op.log.Append("Wipe operation started")
	op.mu.Unlock()
	o.notify(StatusPending, StatusRunning, op)

	err := o.invoke(ctx, op, runner)

	// The runner has returned, so nothing touches the target any more. It is
	// freed before the terminal transition so that observers of that
	// transition can start a new operation on it.
	o.release(op)

	op.mu.RLock()
	reason := op.abortReason
	op.mu.RUnlock()

	switch {
	case reason != "":
		o.finish(op, StatusFailed, reason)
	case err != nil:
		o.finish(op, StatusFailed, err.Error())
	default:
		o.finish(op, StatusCompleted, "")
	}
}

// invoke runs runner, turning a panic into an error.
func (o *Orchestrator) invoke(ctx context.Context, op *operation, runner Runner) (err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("wipe runner panicked", zap.String("id", op.id), zap.Any("panic", r))
			err = fmt.Errorf("runner panic: %v", r)
		}
	}()
	return runner.Run(ctx, Job{Target: op.target, Method: op.method, Verify: op.verify}, func(line string) {
		o.emit(op, line)
	})
}

// emit records one runner line and any progress it carries. Lines arriving
// after the operation became terminal are dropped.
func (o *Orchestrator) emit(op *operation, line string) {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.status.Terminal() {
		return
	}
	op.log.Append(line)
	op.heartbeat = time.Now().UTC()
	if p := parseProgress(line); p > op.progress {
		op.progress = min(p, 99)
	}
}

// finish moves op to a terminal state. It reports whether this call made the
// transition.
func (o *Orchestrator) finish(op *operation, to Status, reason string) bool {
	op.mu.Lock()
	if op.status.Terminal() {
		op.mu.Unlock()
		return false
	}
	from := op.status
	now := time.Now().UTC()
	op.status = to
	op.endedAt = &now
	if to == StatusCompleted {
		op.progress = 100
		op.log.Append("Wipe operation completed")
	} else {
		op.reason = reason
		op.log.Append("Wipe operation failed: " + reason)
	}
	op.mu.Unlock()

	if to == StatusCompleted {
		o.logger.Info("wipe operation completed", zap.String("id", op.id), zap.String("target", op.target))
	} else {
		o.logger.Warn("wipe operation failed",
			zap.String("id", op.id),
			zap.String("target", op.target),
			zap.String("reason", reason),
		)
	}
	o.notify(from, to, op)
	return true
}

// release frees op's target for new operations. It is called only once the
// runner has returned, so a process still writing to the device keeps it
// reserved.
func (o *Orchestrator) release(op *operation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active[op.target] == op.id {
		delete(o.active, op.target)
	}
}

func (o *Orchestrator) notify(from, to Status, op *operation) {
	if o.onTransition == nil {
		return
	}
	op.mu.RLock()
	snap := op.snapshotLocked()
	op.mu.RUnlock()
	o.onTransition(from, to, snap)
}

func (o *Orchestrator) get(id string) (*operation, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	op, ok := o.ops[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return op, nil
}

// Status returns a point-in-time copy of the operation.
func (o *Orchestrator) Status(id string) (Snapshot, error) {
	op, err := o.get(id)
	if err != nil {
		return Snapshot{}, err
	}
	op.mu.RLock()
	defer op.mu.RUnlock()
	return op.snapshotLocked(), nil
}

// LogsSince returns every retained log entry at or after index together with
// the operation's current progress and status. Repeating a call with the
// same index returns the same entries plus any appended since.
func (o *Orchestrator) LogsSince(id string, index int) (LogPage, error) {
	op, err := o.get(id)
	if err != nil {
		return LogPage{}, err
	}
	op.mu.RLock()
	defer op.mu.RUnlock()

	page := op.log.ReadFrom(index)
	return LogPage{
		Entries:    page.Entries,
		Progress:   op.progress,
		Status:     op.status,
		NextIndex:  page.NextIndex,
		TotalCount: page.NextIndex,
		FirstIndex: page.FirstIndex,
		Truncated:  page.Truncated,
	}, nil
}

// Report returns the operation snapshot along with a summary of its key log
// lines.
func (o *Orchestrator) Report(id string) (Report, error) {
	op, err := o.get(id)
	if err != nil {
		return Report{}, err
	}
	op.mu.RLock()
	snap := op.snapshotLocked()
	entries := op.log.All()
	op.mu.RUnlock()

	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = e.Message
	}
	r := Report{
		Snapshot:   snap,
		Duration:   "Unknown",
		LogSummary: summarize(lines, o.cfg.SummaryLines),
	}
	if snap.StartedAt != nil && snap.EndedAt != nil {
		r.Duration = snap.Duration().Truncate(time.Second).String()
	}
	return r, nil
}

// Cancel stops a pending or running operation and marks it failed.
func (o *Orchestrator) Cancel(id string) error {
	return o.Abort(id, "cancelled by operator")
}

// Abort stops a non-terminal operation's runner and resolves it to failed
// with reason. Lines the runner produces while stopping are still recorded.
// If the runner has not returned within CancelGrace the operation is failed
// anyway, but its target stays reserved until the runner does return. Abort
// returns ErrAlreadyTerminal for finished operations.
func (o *Orchestrator) Abort(id, reason string) error {
	op, err := o.get(id)
	if err != nil {
		return err
	}
	if !o.requestAbort(op, reason) {
		return fmt.Errorf("%w: %s", ErrAlreadyTerminal, id)
	}

	select {
	case <-op.done:
	case <-time.After(o.cfg.CancelGrace):
		o.logger.Error("wipe runner did not stop after cancellation; target stays reserved",
			zap.String("id", op.id),
			zap.String("target", op.target),
			zap.Duration("grace", o.cfg.CancelGrace),
		)
		o.finish(op, StatusFailed, reason)
	}

	op.mu.RLock()
	completed := op.status == StatusCompleted
	op.mu.RUnlock()
	if completed {
		return fmt.Errorf("%w: %s", ErrAlreadyTerminal, id)
	}
	return nil
}

// requestAbort records reason and cancels the runner. It reports false when
// op is already terminal. The first reason wins.
func (o *Orchestrator) requestAbort(op *operation, reason string) bool {
	op.mu.Lock()
	if op.status.Terminal() {
		op.mu.Unlock()
		return false
	}
	if op.abortReason == "" {
		op.abortReason = reason
	}
	op.mu.Unlock()
	op.cancel()
	return true
}

// List returns snapshots of every operation, newest first.
func (o *Orchestrator) List() []Snapshot {
	o.mu.RLock()
	ops := make([]*operation, 0, len(o.ops))
	for _, op := range o.ops {
		ops = append(ops, op)
	}
	o.mu.RUnlock()

	out := make([]Snapshot, len(ops))
	for i, op := range ops {
		op.mu.RLock()
		out[i] = op.snapshotLocked()
		op.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// running returns the non-terminal operations.
func (o *Orchestrator) running() []*operation {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*operation, 0, len(o.active))
	for _, id := range o.active {
		if op := o.ops[id]; !op.terminal() {
			out = append(out, op)
		}
	}
	return out
}

// Shutdown cancels every non-terminal operation and waits for runners to
// return or ctx to expire. Operations still running at expiry are failed.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	const reason = "server shutting down"
	ops := o.running()
	for _, op := range ops {
		o.requestAbort(op, reason)
	}
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, op := range ops {
			o.finish(op, StatusFailed, reason)
		}
		return ctx.Err()
	}
}
