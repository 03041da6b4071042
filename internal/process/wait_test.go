package process

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWaitReady(t *testing.T) {
	t.Parallel()

	t.Run("succeeds after a few attempts", func(t *testing.T) {
		t.Parallel()

		err := WaitReady(context.Background(), WaitReadyConfig{
			Interval: time.Millisecond,
			Name:     "probe",
		}, func(_ context.Context, attempt int) (bool, error) {
			return attempt >= 3, nil
		})
		if err != nil {
			t.Fatalf("WaitReady() error: %v", err)
		}
	})

	t.Run("deadline exhausts", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		err := WaitReady(ctx, WaitReadyConfig{
			Interval: 5 * time.Millisecond,
			Name:     "probe",
		}, func(context.Context, int) (bool, error) {
			return false, nil
		})
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("WaitReady() error = %v, want DeadlineExceeded", err)
		}
	})

	t.Run("fatal check error aborts", func(t *testing.T) {
		t.Parallel()

		fatal := errors.New("broken")
		err := WaitReady(context.Background(), WaitReadyConfig{
			Interval: time.Millisecond,
			Name:     "probe",
		}, func(context.Context, int) (bool, error) {
			return false, fatal
		})
		if !errors.Is(err, fatal) {
			t.Fatalf("WaitReady() error = %v, want wrapped fatal", err)
		}
	})

	t.Run("aborts when process exits", func(t *testing.T) {
		t.Parallel()

		exited := make(chan struct{})
		close(exited)

		err := WaitReady(context.Background(), WaitReadyConfig{
			Interval: time.Millisecond,
			Name:     "probe",
			Exited:   exited,
		}, func(context.Context, int) (bool, error) {
			return false, nil
		})
		if !errors.Is(err, ErrProcessExited) {
			t.Fatalf("WaitReady() error = %v, want ErrProcessExited", err)
		}
	})

	t.Run("rejects non-positive interval", func(t *testing.T) {
		t.Parallel()

		err := WaitReady(context.Background(), WaitReadyConfig{Name: "probe"},
			func(context.Context, int) (bool, error) { return true, nil })
		if !errors.Is(err, ErrIntervalNotPositive) {
			t.Fatalf("WaitReady() error = %v, want ErrIntervalNotPositive", err)
		}
	})
}
