package transport

import (
	"context"
	"testing"
	"time"
)

func TestProcessFrameIOOverRealSubprocess(t *testing.T) {
	// "cat" mirrors stdin to stdout verbatim, so a frame written to its
	// stdin comes back unchanged on stdout: a real subprocess exercising
	// the actual pipe plumbing, not just the in-memory framing logic.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, err := Start(ctx, Config{ProgramName: "cat"})
	if err != nil {
		t.Skipf("cat not available: %v", err)
	}
	defer p.Disconnect(context.Background(), PhaseConnected)

	payload := []byte(`{"action":"change-public-keys"}`)
	if err := p.WriteFrame(payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	got, err := p.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("round trip mismatch: got %q want %q", got, payload)
	}
}

func TestDisconnectEscalationReachesReleased(t *testing.T) {
	orig := EscalationTimer
	EscalationTimer = 20 * time.Millisecond
	defer func() { EscalationTimer = orig }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, err := Start(ctx, Config{ProgramName: "cat"})
	if err != nil {
		t.Skipf("cat not available: %v", err)
	}

	p.Disconnect(ctx, PhaseConnected)

	if p.Phase() != PhaseReleased {
		t.Fatalf("expected phase released, got %s", p.Phase())
	}
	select {
	case <-p.Exited():
	case <-time.After(2 * time.Second):
		t.Fatal("expected child process to have exited after escalation")
	}
}

func TestDisconnectFromConnectingJumpsToTerminate(t *testing.T) {
	orig := EscalationTimer
	EscalationTimer = 20 * time.Millisecond
	defer func() { EscalationTimer = orig }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, err := Start(ctx, Config{ProgramName: "cat"})
	if err != nil {
		t.Skipf("cat not available: %v", err)
	}

	// A disconnect observed while still Connecting (handshake in flight)
	// must start from PhaseEOF, not PhaseConnected: the stdin-close step
	// is skipped and escalation proceeds straight to terminate.
	p.Disconnect(ctx, PhaseEOF)

	if p.Phase() != PhaseReleased {
		t.Fatalf("expected phase released, got %s", p.Phase())
	}
}
