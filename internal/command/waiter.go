package command

import (
	"context"
	"errors"
	"time"

	"github.com/manlab/manlab/internal/command/models"
	"github.com/manlab/manlab/internal/command/store"
	"github.com/manlab/manlab/internal/common/constants"
	"github.com/manlab/manlab/pkg/agentwire"
)

// ErrWaitTimeout is returned when a command does not reach a terminal state
// within the deadline. Handlers map it to 504.
var ErrWaitTimeout = errors.New("timed out waiting for agent response")

// Waiter polls the store until a command reaches a terminal state. The store
// is the single source of truth; polling keeps correctness independent of
// push notifications.
type Waiter struct {
	store    store.Store
	interval time.Duration
}

// NewWaiter creates a waiter with the default poll interval.
func NewWaiter(st store.Store) *Waiter {
	return &Waiter{store: st, interval: constants.CommandPollInterval}
}

// NewWaiterWithInterval creates a waiter with an explicit poll interval.
// Tests use short intervals.
func NewWaiterWithInterval(st store.Store, interval time.Duration) *Waiter {
	return &Waiter{store: st, interval: interval}
}

// Await blocks until the command completes or the deadline elapses. The
// returned command carries the terminal status and tail-bounded output;
// callers decide how a failed status maps onto their response.
func (w *Waiter) Await(ctx context.Context, commandID string, deadline time.Duration) (*models.Command, error) {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		cmd, err := w.store.Get(ctx, commandID)
		if err != nil {
			return nil, err
		}
		if cmd.Status.IsTerminal() {
			return cmd, nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrWaitTimeout
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitDeadline returns the default wait deadline for a command type. Log
// tails get the requested duration plus grace; file operations are short;
// everything else gets the generic deadline.
func WaitDeadline(commandType string, tailDurationSeconds int) time.Duration {
	switch commandType {
	case agentwire.CommandFileList, agentwire.CommandFileRead:
		return constants.FileOpWait
	case agentwire.CommandLogTail:
		return time.Duration(tailDurationSeconds)*time.Second + constants.LogTailGrace
	default:
		return constants.CommandWaitDefault
	}
}
