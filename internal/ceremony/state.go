// ABOUTME: Per-ceremony state tracking for completion attempts
// ABOUTME: A ceremony moves Started to Verifying and ends Completed or Rejected exactly once

package ceremony

import (
	"encoding/hex"
	"log/slog"
)

// State is the lifecycle position of one ceremony instance.
type State int

const (
	StateStarted State = iota
	StateVerifying
	StateCompleted
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateStarted:
		return "started"
	case StateVerifying:
		return "verifying"
	case StateCompleted:
		return "completed"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateRejected
}

// tracker follows one completion attempt. Transitions out of a terminal
// state are ignored.
type tracker struct {
	kind   string
	ref    string
	state  State
	logger *slog.Logger
}

func newTracker(logger *slog.Logger, kind string, nonce []byte) *tracker {
	ref := nonce
	if len(ref) > 6 {
		ref = ref[:6]
	}
	return &tracker{kind: kind, ref: hex.EncodeToString(ref), state: StateStarted, logger: logger}
}

func (t *tracker) verifying() {
	t.move(StateVerifying)
}

// complete marks success.
func (t *tracker) complete(attrs ...any) {
	if t.move(StateCompleted) {
		t.logger.Info(t.kind+" completed", append([]any{"ceremony", t.ref}, attrs...)...)
	}
}

// reject marks failure and returns err unchanged.
func (t *tracker) reject(err error, attrs ...any) error {
	if t.move(StateRejected) {
		t.logger.Info(t.kind+" rejected", append([]any{"ceremony", t.ref, "error", err}, attrs...)...)
	}
	return err
}

func (t *tracker) move(to State) bool {
	if t.state.Terminal() {
		return false
	}
	t.state = to
	t.logger.Debug("ceremony transition", "kind", t.kind, "ceremony", t.ref, "state", to.String())
	return true
}
