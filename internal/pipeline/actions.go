package pipeline

import (
	"context"
	"time"
)

// Continue reports whether the current job is still permitted to run.
// Implementations must be cheap enough to be called about once a second.
type Continue func() bool

// Always is a Continue that never asks execution to stop.
func Always() bool { return true }

// Result is the outcome of one device action.
type Result struct {
	OK     bool
	Reason string
}

func Succeeded() Result { return Result{OK: true} }

func Failed(reason string) Result { return Result{Reason: reason} }

// Actions is the device capability set the executor drives. Implementations
// swallow and log their own errors; the executor only sees a Result.
type Actions interface {
	RunWarmup(ctx context.Context, d time.Duration, likeProbability float64, cont Continue) Result
	PostVideo(ctx context.Context, path, caption string, cont Continue) Result
	// Wait blocks for d, consulting cont at least once a second. It returns
	// false if cont or ctx stopped it early.
	Wait(ctx context.Context, d time.Duration, cont Continue) bool
	RotateIdentity(ctx context.Context, soft bool) Result
}

// CheckInterval bounds how long any wait runs without consulting Continue.
const CheckInterval = time.Second

// Sleep waits for d in slices of at most CheckInterval, consulting cont
// before each slice. It returns false if cont or ctx stopped it early.
func Sleep(ctx context.Context, d time.Duration, cont Continue) bool {
	if cont == nil {
		cont = Always
	}
	deadline := time.Now().Add(d)
	for {
		if ctx.Err() != nil || !cont() {
			return false
		}
		left := time.Until(deadline)
		if left <= 0 {
			return true
		}
		if left > CheckInterval {
			left = CheckInterval
		}
		t := time.NewTimer(left)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
	}
}
