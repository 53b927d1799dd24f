package scheduler_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kiranshivaraju/droidqueue/internal/scheduler"
	"github.com/kiranshivaraju/droidqueue/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
system:
  default_device: emulator-5554
cycles:
  A:
    steps:
      - {type: warmup, duration: 120}
  post:
    steps:
      - {type: post_video, video: /videos/a.mp4, caption: hi}
      - {type: rotate_identity, soft: true}
schedules:
  morning:
    device: pixel-7
    items:
      - {type: cycle, name: A}
      - {type: break, minutes: 10}
    start_times: ["09:00", "25:99", "18:30"]
  hourly:
    items:
      - {type: cycle, name: post}
  nightly:
    items:
      - {type: cycle, name: A}
    cron: "0 2 * * *"
  broken:
    items:
      - {type: cycle, name: A}
    cron: "not a cron"
  empty:
    items:
      - {type: cycle, name: missing}
`

type fakeEnqueuer struct {
	mu    sync.Mutex
	calls []enqueueCall
	err   error
}

type enqueueCall struct {
	device  string
	payload models.PipelinePayload
}

func (f *fakeEnqueuer) EnqueuePipeline(_ context.Context, device string, p models.PipelinePayload) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.calls = append(f.calls, enqueueCall{device: device, payload: p})
	return int64(len(f.calls)), nil
}

func parseSample(t *testing.T) *scheduler.File {
	t.Helper()
	f, err := scheduler.Parse([]byte(sampleYAML))
	require.NoError(t, err)
	return f
}

func TestFlatten_ExpandsCyclesAndBreaks(t *testing.T) {
	cycles := map[string]scheduler.Cycle{
		"A": {Steps: []models.Step{{Type: models.StepWarmup, Duration: models.Secs(120)}}},
	}
	steps := scheduler.Flatten(cycles, []scheduler.Item{
		{Type: scheduler.ItemCycle, Name: "A"},
		{Type: scheduler.ItemBreak, Minutes: 10},
	})

	assert.Equal(t, []models.Step{
		{Type: models.StepWarmup, Duration: models.Secs(120)},
		{Type: models.StepBreak, Duration: models.Secs(600)},
	}, steps)
}

func TestFlatten_DefaultsAndUnknowns(t *testing.T) {
	steps := scheduler.Flatten(nil, []scheduler.Item{
		{Type: scheduler.ItemBreak},
		{Type: scheduler.ItemCycle, Name: "nope"},
		{Type: "nap"},
	})
	assert.Equal(t, []models.Step{{Type: models.StepBreak, Duration: models.Secs(600)}}, steps)
	assert.NotNil(t, scheduler.Flatten(nil, nil))
}

func TestParse_RejectsUnknownKeys(t *testing.T) {
	_, err := scheduler.Parse([]byte("schedules:\n  x:\n    itemz: []\n"))
	assert.Error(t, err)
}

func TestParse_Empty(t *testing.T) {
	f, err := scheduler.Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, f.Schedules)
	assert.Empty(t, f.Cycles)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	f, err := scheduler.LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, f.Schedules, 5)
	assert.Equal(t, "emulator-5554", f.System.DefaultDevice)

	_, err = scheduler.LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestRegister_BadEntriesDoNotAffectOthers(t *testing.T) {
	s := scheduler.New(parseSample(t), &fakeEnqueuer{}, time.UTC)

	// morning: 2 valid of 3 start times; hourly: interval; nightly: cron;
	// broken: rejected; empty: interval.
	assert.Equal(t, 5, s.Register())

	specs := map[string][]string{}
	for _, e := range s.Entries() {
		specs[e.Schedule] = append(specs[e.Schedule], e.Spec)
	}
	assert.ElementsMatch(t, []string{"0 9 * * *", "30 18 * * *"}, specs["morning"])
	assert.Equal(t, []string{"@every 60m"}, specs["hourly"])
	assert.Equal(t, []string{"0 2 * * *"}, specs["nightly"])
	assert.NotContains(t, specs, "broken")
}

func TestRegister_RequiresDevice(t *testing.T) {
	f := &scheduler.File{
		Cycles: map[string]scheduler.Cycle{},
		Schedules: map[string]scheduler.Schedule{
			"orphan": {Items: []scheduler.Item{{Type: scheduler.ItemBreak}}, IntervalMinutes: 5},
		},
	}
	s := scheduler.New(f, &fakeEnqueuer{}, time.UTC)
	assert.Equal(t, 0, s.Register())
	assert.Empty(t, s.Entries())
}

func TestStart_ComputesNextFireTimes(t *testing.T) {
	s := scheduler.New(parseSample(t), &fakeEnqueuer{}, time.UTC)
	s.Register()
	s.Start(context.Background())
	defer s.Stop(context.Background())

	for _, e := range s.Entries() {
		assert.True(t, e.Next.After(time.Now().Add(-time.Second)), "entry %s %s", e.Schedule, e.Spec)
	}
}

func TestFire_EnqueuesFlattenedPipeline(t *testing.T) {
	enq := &fakeEnqueuer{}
	s := scheduler.New(parseSample(t), enq, time.UTC)

	id, err := s.Fire(context.Background(), "morning")
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	require.Len(t, enq.calls, 1)
	call := enq.calls[0]
	assert.Equal(t, "pixel-7", call.device)
	assert.Equal(t, 1, call.payload.Repeat)
	assert.Equal(t, [2]float64{2, 5}, call.payload.SleepBetween)
	assert.Equal(t, []models.Step{
		{Type: models.StepWarmup, Duration: models.Secs(120)},
		{Type: models.StepBreak, Duration: models.Secs(600)},
	}, call.payload.Steps)
}

func TestFire_DefaultDeviceIgnoresScheduleRepeat(t *testing.T) {
	f := parseSample(t)
	hourly := f.Schedules["hourly"]
	hourly.Repeat = 3
	f.Schedules["hourly"] = hourly

	enq := &fakeEnqueuer{}
	s := scheduler.New(f, enq, time.UTC)
	_, err := s.Fire(context.Background(), "hourly")
	require.NoError(t, err)

	require.Len(t, enq.calls, 1)
	assert.Equal(t, "emulator-5554", enq.calls[0].device)
	assert.Equal(t, scheduler.Flatten(f.Cycles, hourly.Items), enq.calls[0].payload.Steps,
		"the flattened list is enqueued once")
	assert.Equal(t, 1, enq.calls[0].payload.Repeat)
}

func TestFire_EmptyIsNoOp(t *testing.T) {
	enq := &fakeEnqueuer{}
	s := scheduler.New(parseSample(t), enq, time.UTC)

	id, err := s.Fire(context.Background(), "empty")
	require.NoError(t, err)
	assert.Zero(t, id)
	assert.Empty(t, enq.calls)
}

func TestFire_Errors(t *testing.T) {
	enq := &fakeEnqueuer{err: errors.New("orchestrator unreachable")}
	s := scheduler.New(parseSample(t), enq, time.UTC)

	_, err := s.Fire(context.Background(), "nope")
	assert.ErrorIs(t, err, scheduler.ErrUnknownSchedule)

	_, err = s.Fire(context.Background(), "morning")
	assert.ErrorContains(t, err, "orchestrator unreachable")
}
