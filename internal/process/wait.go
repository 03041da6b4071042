package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
)

// Sentinel errors returned by WaitReady. Callers match them with
// errors.Is through wrapped chains.
var (
	// ErrIntervalNotPositive indicates a non-positive poll interval.
	ErrIntervalNotPositive = errors.New("interval must be positive")

	// ErrProcessExited indicates the process died before becoming ready.
	ErrProcessExited = errors.New("process exited before becoming ready")
)

// ReadinessCheck probes the observed surface once. The context is
// canceled when the deadline passes, letting in-flight network calls
// return promptly. attempt is 1-based. Returning (false, nil) continues
// polling; a non-nil error aborts it.
type ReadinessCheck func(ctx context.Context, attempt int) (ready bool, err error)

// WaitReadyConfig configures a readiness wait.
type WaitReadyConfig struct {
	Interval time.Duration // poll interval
	Name     string        // for logging and error messages
	Logger   *slog.Logger  // optional; defaults to slog.Default()

	// Exited, if non-nil, aborts polling as soon as it is closed. A dead
	// process can never become ready, so there is no point burning the
	// whole deadline on it.
	Exited <-chan struct{}
}

// WaitReady polls check at cfg.Interval until it reports ready, returns a
// fatal error, or ctx is done. The caller's context carries the deadline:
// the orchestrator probes all instances of a cluster against one shared
// deadline, so WaitReady takes no timeout of its own.
func WaitReady(ctx context.Context, cfg WaitReadyConfig, check ReadinessCheck) error {
	if cfg.Name == "" {
		return errors.New("wait ready: name must not be empty")
	}
	if cfg.Interval <= 0 {
		return fmt.Errorf("wait for %s: %w", cfg.Name, ErrIntervalNotPositive)
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	// attempt needs no synchronization: PollUntilContextCancel invokes
	// the condition sequentially.
	attempt := 0
	if err := wait.PollUntilContextCancel(ctx, cfg.Interval, true,
		func(pollCtx context.Context) (bool, error) {
			if cfg.Exited != nil {
				select {
				case <-cfg.Exited:
					return false, fmt.Errorf("process %s: %w", cfg.Name, ErrProcessExited)
				default:
				}
			}

			attempt++
			ready, err := check(pollCtx, attempt)
			if err != nil {
				return false, err
			}
			if ready {
				log.Debug("readiness wait succeeded", "name", cfg.Name, "attempt", attempt)
			}
			return ready, nil
		}); err != nil {
		return fmt.Errorf("wait for %s readiness: %w", cfg.Name, err)
	}
	return nil
}
