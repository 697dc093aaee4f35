package ledger

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher re-validates a file-backed ledger whenever the file changes on
// disk. A failed validation seals the ledger and is reported through the
// callback registered with SetOnInvalid.
type Watcher struct {
	ledger   *Ledger
	path     string
	debounce time.Duration
	logger   *zap.Logger

	onInvalid func(*Validation)
}

// NewWatcher creates a Watcher for the ledger stored at path.
func NewWatcher(l *Ledger, path string, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		ledger:   l,
		path:     filepath.Clean(path),
		debounce: 250 * time.Millisecond,
		logger:   logger,
	}
}

// SetOnInvalid registers fn to be called when a change leaves the chain invalid.
func (w *Watcher) SetOnInvalid(fn func(*Validation)) {
	w.onInvalid = fn
}

// SetDebounce sets how long the Watcher waits for writes to settle before
// validating.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Run watches the ledger's directory until ctx is cancelled. The directory is
// watched rather than the file so that rename-over edits are seen too.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.logger.Info("watching ledger file", zap.String("path", w.path))

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) &&
				!ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("ledger watch error", zap.Error(err))
		case <-fire:
			fire = nil
			w.check(ctx)
		}
	}
}

func (w *Watcher) check(ctx context.Context) {
	v, err := w.ledger.Validate(ctx)
	if err != nil {
		v = &Validation{Valid: false, Reason: err.Error()}
		zero := 0
		v.FirstInvalidIndex = &zero
	}
	if v.Valid {
		return
	}
	w.ledger.Seal(v.Err())
	w.logger.Error("ledger file changed and no longer validates; appends disabled",
		zap.String("path", w.path),
		zap.Error(v.Err()),
	)
	if w.onInvalid != nil {
		w.onInvalid(v)
	}
}
