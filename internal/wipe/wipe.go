// Package wipe orchestrates erasure operations: it validates requests against
// the device inventory, drives a Runner, captures its output into a per
// operation log buffer and tracks the operation through its lifecycle.
package wipe

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when an operation id is unknown.
	ErrNotFound = errors.New("wipe operation not found")

	// ErrInvalidInput is the parent of every request validation error.
	ErrInvalidInput = errors.New("invalid wipe request")

	// ErrInvalidTarget is returned when the inventory does not know the target.
	ErrInvalidTarget = fmt.Errorf("%w: unknown target device", ErrInvalidInput)

	// ErrInvalidMethod is returned for a method outside the supported set.
	ErrInvalidMethod = fmt.Errorf("%w: unsupported wipe method", ErrInvalidInput)

	// ErrInvalidMode is returned for a mode other than simulated or real.
	ErrInvalidMode = fmt.Errorf("%w: unsupported wipe mode", ErrInvalidInput)

	// ErrConflict is returned when the target already has an active operation.
	ErrConflict = errors.New("target already has an active wipe operation")

	// ErrExternalProcess is returned by runners whose wipe process failed.
	ErrExternalProcess = errors.New("external wipe process failed")

	// ErrAlreadyTerminal is returned when cancelling a finished operation.
	ErrAlreadyTerminal = errors.New("wipe operation already finished")
)

// Method is an overwrite scheme.
type Method string

const (
	MethodZero    Method = "zero"
	MethodRandom  Method = "random"
	MethodDoD3    Method = "dod-3"
	MethodDoD7    Method = "dod-7"
	MethodGutmann Method = "gutmann"
)

var methodPasses = map[Method]int{
	MethodZero:    1,
	MethodRandom:  1,
	MethodDoD3:    3,
	MethodDoD7:    7,
	MethodGutmann: 35,
}

// Methods lists the supported methods in order of strength.
func Methods() []Method {
	return []Method{MethodZero, MethodRandom, MethodDoD3, MethodDoD7, MethodGutmann}
}

// ParseMethod validates s against the supported set. Matching is exact
// apart from case and surrounding whitespace.
func ParseMethod(s string) (Method, error) {
	m := Method(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := methodPasses[m]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidMethod, s)
	}
	return m, nil
}

// Passes returns the number of overwrite passes the method performs.
func (m Method) Passes() int { return methodPasses[m] }

// Mode selects between a simulated run and a real overwrite.
type Mode string

const (
	ModeSimulated Mode = "simulated"
	ModeReal      Mode = "real"
)

// ParseMode validates s. An empty string selects ModeSimulated.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeSimulated:
		return ModeSimulated, nil
	case ModeReal:
		return ModeReal, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// Status is an operation's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Partition describes a child block device.
type Partition struct {
	Path       string `json:"name"`
	Size       string `json:"size"`
	Type       string `json:"type"`
	Mountpoint string `json:"mountpoint,omitempty"`
	FSType     string `json:"fstype,omitempty"`
	Label      string `json:"label,omitempty"`
}

// Device is the metadata captured for a wipe target.
type Device struct {
	Path       string      `json:"name"`
	Model      string      `json:"model"`
	Serial     string      `json:"serial"`
	Size       string      `json:"size"`
	Type       string      `json:"type"`
	Rotational bool        `json:"rotational"`
	Transport  string      `json:"transport"`
	Partitions []Partition `json:"partitions,omitempty"`
}

// Snapshot is a point-in-time copy of an operation.
type Snapshot struct {
	ID            string     `json:"wipe_id"`
	TargetPath    string     `json:"device_path"`
	Method        Method     `json:"method"`
	Mode          Mode       `json:"mode"`
	Verify        bool       `json:"verify"`
	Status        Status     `json:"status"`
	Progress      int        `json:"progress"`
	Device        Device     `json:"device"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	FailureReason string     `json:"error,omitempty"`
	LogCount      int        `json:"log_count"`
}

// Duration returns the wall time between start and end, or zero when the
// operation never ran to an end.
func (s *Snapshot) Duration() time.Duration {
	if s.StartedAt == nil || s.EndedAt == nil {
		return 0
	}
	return s.EndedAt.Sub(*s.StartedAt)
}

// Report is the view of a finished operation consumed by the certificate
// binder.
type Report struct {
	Snapshot
	Duration   string   `json:"duration"`
	LogSummary []string `json:"log_summary"`
}
