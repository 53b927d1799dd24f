package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPayload is returned when a job payload fails validation.
var ErrInvalidPayload = errors.New("invalid job payload")

const (
	DefaultStepDuration    = 60
	DefaultLikeProbability = 0.07
	DefaultBreakMinutes    = 10
)

// DefaultSleepBetween is the inter-step jitter window in seconds.
var DefaultSleepBetween = [2]float64{2, 5}

// StepType tags a pipeline step.
type StepType string

const (
	StepWarmup         StepType = "warmup"
	StepPostVideo      StepType = "post_video"
	StepBreak          StepType = "break"
	StepRotateIdentity StepType = "rotate_identity"
)

// Known reports whether the executor has a handler for t.
func (t StepType) Known() bool {
	switch t {
	case StepWarmup, StepPostVideo, StepBreak, StepRotateIdentity:
		return true
	}
	return false
}

// Step is one element of a pipeline. Which fields apply depends on Type:
//
//	warmup:          Duration, LikeProb
//	post_video:      Video, Caption
//	break:           Duration
//	rotate_identity: Soft
type Step struct {
	Type     StepType `json:"type"                yaml:"type"`
	Duration *int     `json:"duration,omitempty"  yaml:"duration,omitempty"`
	LikeProb *float64 `json:"like_prob,omitempty" yaml:"like_prob,omitempty"`
	Video    string   `json:"video,omitempty"     yaml:"video,omitempty"`
	Caption  string   `json:"caption,omitempty"   yaml:"caption,omitempty"`
	Soft     bool     `json:"soft,omitempty"      yaml:"soft,omitempty"`
}

// Seconds returns the step duration. Only a missing duration falls back to
// DefaultStepDuration; an explicit 0 is a zero-length step.
func (s Step) Seconds() int {
	if s.Duration == nil {
		return DefaultStepDuration
	}
	return *s.Duration
}

// Secs returns a pointer to n for Step.Duration.
func Secs(n int) *int {
	return &n
}

// LikeProbability returns the like probability of a warmup step.
func (s Step) LikeProbability() float64 {
	if s.LikeProb == nil {
		return DefaultLikeProbability
	}
	return *s.LikeProb
}

func (s Step) validate() error {
	if s.Type == "" {
		return fmt.Errorf("%w: step type is required", ErrInvalidPayload)
	}
	if s.Duration != nil && *s.Duration < 0 {
		return fmt.Errorf("%w: step %s: duration must be >= 0", ErrInvalidPayload, s.Type)
	}
	if s.LikeProb != nil && (*s.LikeProb < 0 || *s.LikeProb > 1) {
		return fmt.Errorf("%w: step %s: like_prob must be within [0, 1]", ErrInvalidPayload, s.Type)
	}
	if s.Type == StepPostVideo && strings.TrimSpace(s.Video) == "" {
		return fmt.Errorf("%w: post_video step requires video", ErrInvalidPayload)
	}
	return nil
}

// PipelinePayload is the payload of a pipeline job.
type PipelinePayload struct {
	Steps        []Step     `json:"steps"`
	Repeat       int        `json:"repeat"`
	SleepBetween [2]float64 `json:"sleep_between"`
}

// Normalize fills defaults and validates the payload.
func (p *PipelinePayload) Normalize() error {
	if p.Steps == nil {
		p.Steps = []Step{}
	}
	if p.Repeat == 0 {
		p.Repeat = 1
	}
	if p.Repeat < 0 {
		return fmt.Errorf("%w: repeat must be >= 1", ErrInvalidPayload)
	}
	if p.SleepBetween == [2]float64{} {
		p.SleepBetween = DefaultSleepBetween
	}
	lo, hi := p.SleepBetween[0], p.SleepBetween[1]
	if lo < 0 || hi < lo {
		return fmt.Errorf("%w: sleep_between must satisfy 0 <= lo <= hi, got [%g, %g]", ErrInvalidPayload, lo, hi)
	}
	for i, st := range p.Steps {
		if err := st.validate(); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}
	return nil
}

// WarmupPayload is the payload of a bare warm-up job.
type WarmupPayload struct {
	Seconds  int      `json:"seconds"`
	LikeProb *float64 `json:"like_prob,omitempty"`
}

// Normalize fills defaults and validates the payload.
func (p *WarmupPayload) Normalize() error {
	if p.Seconds == 0 {
		p.Seconds = DefaultStepDuration
	}
	if p.Seconds < 0 {
		return fmt.Errorf("%w: seconds must be > 0", ErrInvalidPayload)
	}
	if p.LikeProb == nil {
		v := DefaultLikeProbability
		p.LikeProb = &v
	}
	if *p.LikeProb < 0 || *p.LikeProb > 1 {
		return fmt.Errorf("%w: like_prob must be within [0, 1]", ErrInvalidPayload)
	}
	return nil
}

// Step converts the payload into the equivalent warmup step.
func (p WarmupPayload) Step() Step {
	return Step{Type: StepWarmup, Duration: Secs(p.Seconds), LikeProb: p.LikeProb}
}

// DecodePipeline parses a stored pipeline payload.
func DecodePipeline(raw json.RawMessage) (PipelinePayload, error) {
	var p PipelinePayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return p, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	if err := p.Normalize(); err != nil {
		return p, err
	}
	return p, nil
}

// DecodeWarmup parses a stored warm-up payload.
func DecodeWarmup(raw json.RawMessage) (WarmupPayload, error) {
	var p WarmupPayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return p, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	if err := p.Normalize(); err != nil {
		return p, err
	}
	return p, nil
}
