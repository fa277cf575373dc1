// Package invoke runs remote calls through an explicit, ordered,
// short-circuiting strategy list. Identity propagation through the RPC
// middleware is unreliable in this deployment, so every outbound call gets
// the full fallback ladder rather than a single path.
package invoke

import (
	"context"
	"errors"
	"fmt"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("invoke")

// ErrExhausted is returned after every strategy in the list has failed.
// It is the only error the invoker surfaces; per-step failures are logged
// and swallowed.
var ErrExhausted = errors.New("all transport strategies failed")

// Strategy is one addressing scheme for a remote call. Name identifies the
// underlying transport path: a strategy whose named path already failed
// earlier in the list is not attempted again.
type Strategy struct {
	Name string
	Call func(ctx context.Context) error
}

// Run attempts strategies in order and stops at the first success.
// A step failure is non-fatal; only exhaustion of the whole list returns an
// error, wrapping ErrExhausted and the last underlying failure.
func Run(ctx context.Context, op string, strategies []Strategy) error {
	failed := make(map[string]bool, len(strategies))
	var lastErr error

	for _, s := range strategies {
		if failed[s.Name] {
			log.Debugf("%s: skipping %s (already failed)", op, s.Name)
			continue
		}
		err := s.Call(ctx)
		if err == nil {
			return nil
		}
		failed[s.Name] = true
		lastErr = err
		log.Warnf("%s via %s failed: %v", op, s.Name, err)
	}

	if lastErr == nil {
		// Empty or fully skipped list — still a terminal failure.
		return fmt.Errorf("%s: %w", op, ErrExhausted)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrExhausted, lastErr)
}
