// Package transport spawns the keepassxc-proxy helper process and speaks
// the length-prefixed JSON frame protocol over its stdio, including the
// five-phase disconnect escalation ladder.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/coinstash/kpxc-go/internal/logging"
	"github.com/coinstash/kpxc-go/internal/metrics"
)

// maxStderrBytes bounds the captured stderr buffer so a chatty or hostile
// child process cannot exhaust memory.
const maxStderrBytes = 64 * 1024

// EscalationPhase is a step in the disconnect ladder.
type EscalationPhase int

const (
	PhaseConnected EscalationPhase = iota
	PhaseEOF
	PhaseTerminate
	PhaseKill
	PhaseReleased
)

func (p EscalationPhase) String() string {
	switch p {
	case PhaseConnected:
		return "connected"
	case PhaseEOF:
		return "eof"
	case PhaseTerminate:
		return "terminate"
	case PhaseKill:
		return "kill"
	case PhaseReleased:
		return "released"
	default:
		return "unknown"
	}
}

// EscalationTimer is the 500ms coarse timer between disconnect phases. It
// is a var so tests can shorten it.
var EscalationTimer = 500 * time.Millisecond

// Config configures the child process.
type Config struct {
	// ProgramName is resolved via PATH unless it contains a path separator.
	ProgramName string
	Logger      *slog.Logger
}

// DefaultConfig returns the standard keepassxc-proxy program name.
func DefaultConfig() Config {
	return Config{ProgramName: "keepassxc-proxy", Logger: logging.NopLogger()}
}

// Process owns one helper subprocess: its stdio pipes, its length-prefixed
// frame reader/writer, and the disconnect escalation ladder.
type Process struct {
	cfg Config

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr bytes.Buffer

	reader *FrameReader
	writer *FrameWriter

	metrics *metrics.Metrics

	mu       sync.Mutex
	phase    EscalationPhase
	waitDone chan struct{}
	waitErr  error
}

// SetMetrics attaches a Metrics sink. Optional; a nil Metrics (the default)
// makes every recording call a no-op.
func (p *Process) SetMetrics(m *metrics.Metrics) {
	p.metrics = m
}

// Start spawns the child process and wires up its framed stdio.
func Start(ctx context.Context, cfg Config) (*Process, error) {
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}

	cmd := exec.CommandContext(ctx, cfg.ProgramName)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("transport: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("transport: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("transport: stderr pipe: %w", err)
	}

	p := &Process{
		cfg:      cfg,
		cmd:      cmd,
		stdin:    stdin,
		stdout:   stdout,
		phase:    PhaseConnected,
		waitDone: make(chan struct{}),
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("transport: start %s: %w", cfg.ProgramName, err)
	}

	p.reader = NewFrameReader(stdout)
	p.writer = NewFrameWriter(stdin)

	go p.streamStderr(stderr)
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		close(p.waitDone)
	}()

	cfg.Logger.Info("process started", logging.KeyComponent, "transport", logging.KeyPID, cmd.Process.Pid)
	return p, nil
}

// streamStderr surfaces the child's stderr as log warnings line by line,
// per spec: "stderr is captured and surfaced as log warnings". A bounded
// copy is kept for Stderr() so a caller can inspect it after the fact too.
func (p *Process) streamStderr(r io.Reader) {
	limited := &limitedWriter{w: &p.stderr, limit: maxStderrBytes}
	scanner := bufio.NewScanner(r)
	total := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		total += len(line)
		limited.Write(append(append([]byte(nil), line...), '\n'))
		p.cfg.Logger.Warn("helper process stderr",
			logging.KeyComponent, "transport",
			logging.KeyError, string(line),
			logging.KeyBytes, humanize.Bytes(uint64(total)),
		)
	}
}

// ReadFrame reads the next frame payload from the child's stdout.
func (p *Process) ReadFrame() ([]byte, error) {
	return p.reader.ReadFrame()
}

// WriteFrame writes a frame payload to the child's stdin.
func (p *Process) WriteFrame(payload []byte) error {
	return p.writer.WriteFrame(payload)
}

// Stderr returns the captured stderr bytes so far, for logging as warnings.
func (p *Process) Stderr() []byte {
	return p.stderr.Bytes()
}

// Exited returns a channel closed once the child process has exited. The
// exit error observed (nil on clean exit) is available from ExitErr.
func (p *Process) Exited() <-chan struct{} {
	return p.waitDone
}

// ExitErr returns the error observed from Wait, valid only after Exited is
// closed.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// Phase returns the current escalation phase.
func (p *Process) Phase() EscalationPhase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

// Disconnect runs the five-phase escalation ladder: close stdin, wait for
// the 500ms timer or exit, send SIGTERM, wait again, send SIGKILL, wait
// again, then release the process handle. Observing the child's exit at
// any point short-circuits directly to release. Starting from
// PhaseConnected is the normal path; a caller that is still mid-handshake
// (connector in Connecting) starts from PhaseEOF per the boundary behavior
// that a disconnect during Connecting jumps straight to terminate.
func (p *Process) Disconnect(ctx context.Context, startPhase EscalationPhase) {
	p.setPhase(startPhase)

	if startPhase <= PhaseConnected {
		p.stdin.Close()
		p.setPhase(PhaseEOF)
		if p.awaitExitOrTimer(ctx) {
			p.release()
			return
		}
	}

	if p.Phase() <= PhaseEOF {
		p.signal(syscall.SIGTERM)
		p.setPhase(PhaseTerminate)
		if p.awaitExitOrTimer(ctx) {
			p.release()
			return
		}
	}

	if p.Phase() <= PhaseTerminate {
		p.signal(syscall.SIGKILL)
		p.setPhase(PhaseKill)
		if p.awaitExitOrTimer(ctx) {
			p.release()
			return
		}
	}

	p.release()
}

// awaitExitOrTimer waits for either the process to exit or the escalation
// timer to fire. Returns true if the process exited (short-circuit path).
func (p *Process) awaitExitOrTimer(ctx context.Context) bool {
	timer := time.NewTimer(EscalationTimer)
	defer timer.Stop()

	select {
	case <-p.waitDone:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (p *Process) signal(sig syscall.Signal) {
	if p.cmd.Process == nil {
		return
	}
	_ = p.cmd.Process.Signal(sig)
}

func (p *Process) release() {
	reachedPhase := p.Phase()
	p.stdin.Close()
	p.stdout.Close()
	p.setPhase(PhaseReleased)
	p.metrics.RecordDisconnect(reachedPhase.String())
	p.cfg.Logger.Info("process released", logging.KeyComponent, "transport", logging.KeyPhase, PhaseReleased.String())
}

func (p *Process) setPhase(phase EscalationPhase) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if phase > p.phase {
		p.phase = phase
	}
}

// limitedWriter wraps a writer with a size limit, discarding bytes beyond
// it rather than erroring.
type limitedWriter struct {
	w       io.Writer
	limit   int
	written int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.written >= lw.limit {
		return len(p), nil
	}
	remaining := lw.limit - lw.written
	if len(p) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += n
	return len(p), err
}
