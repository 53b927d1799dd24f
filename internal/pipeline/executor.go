// Package pipeline interprets pipeline payloads: an ordered, repeatable
// list of typed steps run against one device through the Actions interface.
package pipeline

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/kiranshivaraju/droidqueue/pkg/models"
)

// Executor runs warm-up and pipeline jobs for a single device.
type Executor struct {
	actions Actions
	logger  *slog.Logger
	jitter  func(lo, hi float64) time.Duration
	pause   func(ctx context.Context, d time.Duration, cont Continue) bool
}

type Option func(*Executor)

// WithJitter overrides how the inter-step delay is drawn from [lo, hi] seconds.
func WithJitter(fn func(lo, hi float64) time.Duration) Option {
	return func(e *Executor) { e.jitter = fn }
}

// WithPause overrides how the inter-step delay is slept. fn reports false
// when cont or ctx cut the delay short.
func WithPause(fn func(ctx context.Context, d time.Duration, cont Continue) bool) Option {
	return func(e *Executor) { e.pause = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor creates an Executor driving actions.
func NewExecutor(actions Actions, opts ...Option) *Executor {
	e := &Executor{
		actions: actions,
		logger:  slog.Default(),
		jitter:  uniformJitter,
		pause:   Sleep,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Warmup runs a bare warm-up job.
func (e *Executor) Warmup(ctx context.Context, p models.WarmupPayload, cont Continue) bool {
	if cont == nil {
		cont = Always
	}
	st := p.Step()
	res := e.actions.RunWarmup(ctx, time.Duration(st.Seconds())*time.Second, st.LikeProbability(), cont)
	if !res.OK {
		e.logger.Warn("warmup failed", "reason", res.Reason)
	}
	return res.OK
}

// Run executes p.Steps p.Repeat times. Before every step it consults cont
// and stops with false if execution is no longer permitted. A failing step
// does not stop the pipeline but makes the overall result false. Unknown
// step types are logged and skipped. After every step the executor sleeps
// a uniform random duration within p.SleepBetween, still consulting cont.
func (e *Executor) Run(ctx context.Context, p models.PipelinePayload, cont Continue) bool {
	if cont == nil {
		cont = Always
	}
	lo, hi := p.SleepBetween[0], p.SleepBetween[1]
	ok := true
	for round := 0; round < p.Repeat; round++ {
		for i, st := range p.Steps {
			if ctx.Err() != nil || !cont() {
				e.logger.Info("pipeline interrupted", "round", round, "step", i, "type", st.Type)
				return false
			}

			res, completed := e.dispatch(ctx, st, cont)
			if !completed {
				e.logger.Info("pipeline interrupted during step", "round", round, "step", i, "type", st.Type)
				return false
			}
			if !res.OK {
				e.logger.Warn("pipeline step failed", "round", round, "step", i, "type", st.Type, "reason", res.Reason)
				ok = false
			}

			if !e.pause(ctx, e.jitter(lo, hi), cont) {
				e.logger.Info("pipeline interrupted between steps", "round", round, "step", i)
				return false
			}
		}
	}
	return ok
}

// dispatch runs one step. completed is false only when a break was cut
// short by cancellation.
func (e *Executor) dispatch(ctx context.Context, st models.Step, cont Continue) (res Result, completed bool) {
	switch st.Type {
	case models.StepWarmup:
		return e.actions.RunWarmup(ctx, seconds(st.Seconds()), st.LikeProbability(), cont), true
	case models.StepPostVideo:
		return e.actions.PostVideo(ctx, st.Video, st.Caption, cont), true
	case models.StepBreak:
		if !e.actions.Wait(ctx, seconds(st.Seconds()), cont) {
			return Result{}, false
		}
		return Succeeded(), true
	case models.StepRotateIdentity:
		return e.actions.RotateIdentity(ctx, st.Soft), true
	default:
		e.logger.Warn("unknown pipeline step skipped", "type", st.Type)
		return Succeeded(), true
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func uniformJitter(lo, hi float64) time.Duration {
	s := lo
	if hi > lo {
		s = lo + rand.Float64()*(hi-lo)
	}
	return time.Duration(s * float64(time.Second))
}
