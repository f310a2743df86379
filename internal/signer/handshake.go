package signer

import (
	"sync"
	"time"

	pkerrors "github.com/web3-authn/tatchi-sub013/internal/errors"
)

// State is a confirmation handshake's position in spec §4.5's state
// machine: Idle -> AwaitingConfirm -> (Confirmed | Rejected | TimedOut) ->
// (Signed | Failed) -> Idle.
type State string

const (
	StateIdle            State = "Idle"
	StateAwaitingConfirm State = "AwaitingConfirm"
	StateConfirmed       State = "Confirmed"
	StateRejected        State = "Rejected"
	StateTimedOut        State = "TimedOut"
	StateSigned          State = "Signed"
	StateFailed          State = "Failed"
)

// DefaultConfirmTimeout is spec §4.5's 60s default confirmation window.
const DefaultConfirmTimeout = 60 * time.Second

// ConfirmationConfig is echoed back to the UI collaborator in the
// PROMPT_USER_CONFIRM event; it carries no behavior of its own here.
type ConfirmationConfig struct {
	Theme            string
	RequireBiometric bool
}

// PromptEvent is what SC emits to the UI collaborator when a signing
// ceremony begins.
type PromptEvent struct {
	Requests           []TxSigningRequest
	IntentDigest       string
	ConfirmationConfig ConfirmationConfig
}

// ConfirmResponse is what the UI collaborator returns.
type ConfirmResponse struct {
	Confirmed      bool
	UIIntentDigest string
	Credential     []byte // the re-asserted WebAuthn credential, opaque here
}

// Handshake drives one signing ceremony's confirmation state machine. A
// Handshake is single-use: create a new one per SignBatch call.
type Handshake struct {
	mu      sync.Mutex
	state   State
	digest  string
	timeout time.Duration
	timer   *time.Timer
	timedOut bool
}

// NewHandshake creates a Handshake in Idle state for intentDigest, with
// timeout (DefaultConfirmTimeout if <= 0).
func NewHandshake(intentDigest string, timeout time.Duration) *Handshake {
	if timeout <= 0 {
		timeout = DefaultConfirmTimeout
	}
	return &Handshake{state: StateIdle, digest: intentDigest, timeout: timeout}
}

// State returns the handshake's current state.
func (h *Handshake) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Prompt transitions Idle -> AwaitingConfirm and starts the timeout timer.
// Returns BusyState if a confirmation is already outstanding.
func (h *Handshake) Prompt() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateIdle {
		return pkerrors.BusyState()
	}
	h.state = StateAwaitingConfirm
	h.timer = time.AfterFunc(h.timeout, h.onTimeout)
	return nil
}

func (h *Handshake) onTimeout() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateAwaitingConfirm {
		h.state = StateTimedOut
		h.timedOut = true
	}
}

// Confirm applies the UI's response. Refuses to advance unless
// uiIntentDigest matches the digest computed at Prompt time and confirmed
// is true; a mismatch or rejection is a fatal IntentMismatch/Cancelled for
// this ceremony, never a silent retry.
func (h *Handshake) Confirm(resp ConfirmResponse) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.timer != nil {
		h.timer.Stop()
	}

	if h.state == StateTimedOut {
		return pkerrors.TimedOut("awaiting_confirm")
	}
	if h.state != StateAwaitingConfirm {
		return pkerrors.StaleRecord("confirmation received outside AwaitingConfirm state")
	}

	if !resp.Confirmed {
		h.state = StateRejected
		return pkerrors.Cancelled()
	}
	if resp.UIIntentDigest != h.digest {
		h.state = StateRejected
		return pkerrors.IntentMismatch(h.digest, resp.UIIntentDigest)
	}

	h.state = StateConfirmed
	return nil
}

// MarkSigned transitions Confirmed -> Signed -> Idle, releasing the
// handshake back to its idle starting point for reuse diagnostics (callers
// should still discard the Handshake value; this just keeps State()
// observable as Idle afterward rather than stuck on Signed).
func (h *Handshake) MarkSigned() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = StateIdle
}

// MarkFailed transitions Confirmed -> Failed, used when signing itself
// errors after a successful confirmation.
func (h *Handshake) MarkFailed() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = StateFailed
}
