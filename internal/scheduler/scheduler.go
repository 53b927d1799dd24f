// Package scheduler turns the schedule file into timed pipeline enqueues.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kiranshivaraju/droidqueue/pkg/models"
)

// ErrUnknownSchedule is returned by Fire for a name not in the file.
var ErrUnknownSchedule = errors.New("unknown schedule")

// fireTimeout bounds a single enqueue triggered by a timer.
const fireTimeout = 30 * time.Second

// Enqueuer submits pipeline jobs. Both queue.Service and the HTTP client
// satisfy it.
type Enqueuer interface {
	EnqueuePipeline(ctx context.Context, device string, p models.PipelinePayload) (int64, error)
}

// Entry describes one registered timer.
type Entry struct {
	Schedule string
	Spec     string
	Next     time.Time
}

// Scheduler owns the config snapshot, the enqueue target and the timer
// registry for one process.
type Scheduler struct {
	file   *File
	enq    Enqueuer
	cron   *cron.Cron
	parser cron.Parser
	logger *slog.Logger

	mu      sync.Mutex
	base    context.Context
	entries map[string][]cron.EntryID
	specs   map[cron.EntryID]string
}

// New creates a Scheduler firing in loc. Call Register, then Start.
func New(file *File, enq Enqueuer, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	logger := slog.Default().With("component", "scheduler")
	return &Scheduler{
		file:   file,
		enq:    enq,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cronLogger{logger}),
			cron.WithChain(cron.Recover(cronLogger{logger})),
		),
		logger:  logger,
		base:    context.Background(),
		entries: map[string][]cron.EntryID{},
		specs:   map[cron.EntryID]string{},
	}
}

// Register installs timers for every schedule in the file. A schedule or
// start time that cannot be registered is logged and skipped; the number of
// installed timers is returned.
func (s *Scheduler) Register() int {
	names := make([]string, 0, len(s.file.Schedules))
	for name := range s.file.Schedules {
		names = append(names, name)
	}
	slices.Sort(names)

	total := 0
	for _, name := range names {
		n, err := s.register(name, s.file.Schedules[name])
		if err != nil {
			s.logger.Error("schedule rejected", "schedule", name, "error", err)
		}
		total += n
	}
	return total
}

func (s *Scheduler) register(name string, sc Schedule) (int, error) {
	if s.file.DeviceFor(sc) == "" {
		return 0, fmt.Errorf("no device and no system.default_device")
	}
	job := cron.FuncJob(func() { s.fire(name) })

	switch {
	case len(sc.StartTimes) > 0:
		n := 0
		for _, ts := range sc.StartTimes {
			hour, minute, err := parseTimeOfDay(ts)
			if err != nil {
				s.logger.Error("invalid start time", "schedule", name, "start_time", ts, "error", err)
				continue
			}
			spec := fmt.Sprintf("%d %d * * *", minute, hour)
			sched, err := s.parser.Parse(spec)
			if err != nil {
				s.logger.Error("invalid start time", "schedule", name, "start_time", ts, "error", err)
				continue
			}
			s.add(name, spec, sched, job)
			n++
		}
		return n, nil

	case sc.Cron != "":
		sched, err := s.parser.Parse(sc.Cron)
		if err != nil {
			return 0, fmt.Errorf("invalid cron %q: %w", sc.Cron, err)
		}
		s.add(name, sc.Cron, sched, job)
		return 1, nil

	default:
		minutes := sc.IntervalMinutes
		if minutes <= 0 {
			minutes = DefaultIntervalMinutes
		}
		spec := fmt.Sprintf("@every %dm", minutes)
		s.add(name, spec, cron.Every(time.Duration(minutes)*time.Minute), job)
		return 1, nil
	}
}

func (s *Scheduler) add(name, spec string, sched cron.Schedule, job cron.Job) {
	id := s.cron.Schedule(sched, job)
	s.mu.Lock()
	s.entries[name] = append(s.entries[name], id)
	s.specs[id] = spec
	s.mu.Unlock()
	s.logger.Info("schedule registered", "schedule", name, "spec", spec)
}

// Entries lists registered timers ordered by schedule name.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Entry
	for name, ids := range s.entries {
		for _, id := range ids {
			out = append(out, Entry{Schedule: name, Spec: s.specs[id], Next: s.cron.Entry(id).Next})
		}
	}
	slices.SortFunc(out, func(a, b Entry) int {
		if c := strings.Compare(a.Schedule, b.Schedule); c != 0 {
			return c
		}
		return a.Next.Compare(b.Next)
	})
	return out
}

// Start begins firing timers. ctx bounds the enqueues made by timers.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("scheduler started", "timers", len(s.cron.Entries()))
}

// Stop halts the timers and waits for running fires, or ctx, to finish.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) fire(name string) {
	s.mu.Lock()
	base := s.base
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(base, fireTimeout)
	defer cancel()
	if _, err := s.Fire(ctx, name); err != nil {
		s.logger.Error("schedule fire failed", "schedule", name, "error", err)
	}
}

// Fire expands schedule name and enqueues it as one pipeline job that runs
// the flattened list once; the schedule's repeat is informational only. An
// empty step list enqueues nothing and returns 0.
func (s *Scheduler) Fire(ctx context.Context, name string) (int64, error) {
	sc, ok := s.file.Schedules[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSchedule, name)
	}
	s.logger.Info("schedule fired", "schedule", name, "repeat", sc.Repeat)

	steps := Flatten(s.file.Cycles, sc.Items)
	if len(steps) == 0 {
		s.logger.Warn("schedule has no steps, nothing enqueued", "schedule", name)
		return 0, nil
	}

	device := s.file.DeviceFor(sc)
	id, err := s.enq.EnqueuePipeline(ctx, device, models.PipelinePayload{
		Steps:        steps,
		Repeat:       1,
		SleepBetween: models.DefaultSleepBetween,
	})
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", name, err)
	}
	s.logger.Info("schedule enqueued", "schedule", name, "job_id", id, "device", device, "steps", len(steps))
	return id, nil
}
