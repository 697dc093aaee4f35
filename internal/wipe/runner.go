package wipe

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Job is what a Runner is asked to do.
type Job struct {
	Target string
	Method Method
	Verify bool
}

// Runner performs an overwrite and reports its progress as text lines.
// Run blocks until the overwrite finishes, fails or ctx is cancelled. It
// returns nil only when the overwrite completed.
type Runner interface {
	Run(ctx context.Context, job Job, emit func(line string)) error
}

// ── simulated ────────────────────────────────────────────────────────────

// passPatterns names the data written on each pass of the simulation.
var passPatterns = []string{"random data", "zeros", "ones", "complement"}

// SimulatedRunner produces realistic output on a fixed timeline without
// touching any device.
type SimulatedRunner struct {
	// PassDuration is the wall time of one simulated pass.
	PassDuration time.Duration
}

// NewSimulatedRunner returns a SimulatedRunner with the given pass duration.
func NewSimulatedRunner(pass time.Duration) *SimulatedRunner {
	if pass <= 0 {
		pass = 2 * time.Second
	}
	return &SimulatedRunner{PassDuration: pass}
}

// Run implements Runner.
func (r *SimulatedRunner) Run(ctx context.Context, job Job, emit func(string)) error {
	passes := job.Method.Passes()
	if passes == 0 {
		return fmt.Errorf("%w: %q", ErrInvalidMethod, job.Method)
	}
	tick := r.PassDuration / 4

	emit("Initializing wipe operation (simulation, no data is written)")
	emit(fmt.Sprintf("Target device: %s", job.Target))
	emit(fmt.Sprintf("Method: %s (%d passes)", job.Method, passes))
	emit("Starting erasure process")

	for p := 1; p <= passes; p++ {
		pattern := passPatterns[(p-1)%len(passPatterns)]
		if job.Method == MethodZero {
			pattern = "zeros"
		}
		emit(fmt.Sprintf("Pass %d/%d: writing %s", p, passes, pattern))
		for q := 1; q <= 4; q++ {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(tick):
			}
			overall := ((p-1)*100 + q*25) / passes
			emit(fmt.Sprintf("Progress: %d%%", overall))
		}
		emit(fmt.Sprintf("Pass %d/%d complete", p, passes))
	}

	if job.Verify {
		emit("Verifying last pass")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(tick):
		}
		emit("Verification passed")
	}
	emit("Wipe completed successfully")
	emit(fmt.Sprintf("Device %s has been securely erased", job.Target))
	return nil
}

// ── nwipe ────────────────────────────────────────────────────────────────

// nwipeMethods maps methods to nwipe's --method names.
var nwipeMethods = map[Method]string{
	MethodZero:    "zero",
	MethodRandom:  "random",
	MethodDoD3:    "dodshort",
	MethodDoD7:    "dod522022m",
	MethodGutmann: "gutmann",
}

// ExecRunner drives nwipe as an external process.
type ExecRunner struct {
	// Binary is the nwipe executable; defaults to "nwipe".
	Binary string

	// Sudo prefixes the command with sudo.
	Sudo bool

	// KillDelay is how long a cancelled process group gets between SIGTERM
	// and SIGKILL; defaults to 5s.
	KillDelay time.Duration
}

func (r *ExecRunner) killDelay() time.Duration {
	if r.KillDelay <= 0 {
		return 5 * time.Second
	}
	return r.KillDelay
}

// Command returns the argv that Run would execute for job.
func (r *ExecRunner) Command(job Job) ([]string, error) {
	m, ok := nwipeMethods[job.Method]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMethod, job.Method)
	}
	bin := r.Binary
	if bin == "" {
		bin = "nwipe"
	}
	verify := "off"
	if job.Verify {
		verify = "last"
	}
	argv := []string{bin, "--autonuke", "--nogui", "--method", m, "--verify", verify, job.Target}
	if r.Sudo {
		argv = append([]string{"sudo"}, argv...)
	}
	return argv, nil
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, job Job, emit func(string)) error {
	argv, err := r.Command(job)
	if err != nil {
		return err
	}

	// nwipe runs under sudo as a grandchild; cancellation has to reach the
	// whole process group, not only the direct child.
	exited := make(chan struct{})
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	killProcessGroup(cmd, r.killDelay(), exited)
	cmd.WaitDelay = r.killDelay() + 2*time.Second

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	emit(fmt.Sprintf("Executing: %s", strings.Join(argv, " ")))
	if err := cmd.Start(); err != nil {
		pw.Close()
		return fmt.Errorf("%w: start %s: %v", ErrExternalProcess, argv[0], err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanLines(pr, emit)
	}()

	waitErr := cmd.Wait()
	close(exited)
	pw.Close()
	wg.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if waitErr != nil {
		return fmt.Errorf("%w: %v", ErrExternalProcess, waitErr)
	}
	return nil
}

// scanLines emits every non-empty line of r. nwipe redraws its progress with
// carriage returns, so both \r and \n end a line.
func scanLines(r io.Reader, emit func(string)) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	sc.Split(splitCRLF)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) > 0 {
			emit(string(line))
		}
	}
	// Drain so the writer never blocks on a line longer than the buffer.
	_, _ = io.Copy(io.Discard, r)
}

func splitCRLF(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
