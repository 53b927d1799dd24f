package scheduler

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kiranshivaraju/droidqueue/pkg/models"
)

// Item types inside a schedule.
const (
	ItemCycle = "cycle"
	ItemBreak = "break"
)

// DefaultIntervalMinutes is used by schedules with neither start times nor
// a cron expression.
const DefaultIntervalMinutes = 60

// File is the schedule configuration file.
type File struct {
	System    System              `yaml:"system"    json:"system"`
	Cycles    map[string]Cycle    `yaml:"cycles"    json:"cycles"`
	Schedules map[string]Schedule `yaml:"schedules" json:"schedules"`
}

type System struct {
	DefaultDevice string `yaml:"default_device" json:"default_device"`
}

// Cycle is a named, reusable step list.
type Cycle struct {
	Steps []models.Step `yaml:"steps" json:"steps"`
}

// Item is one element of a schedule: a cycle reference or a break.
type Item struct {
	Type    string `yaml:"type"              json:"type"`
	Name    string `yaml:"name,omitempty"    json:"name,omitempty"`
	Minutes int    `yaml:"minutes,omitempty" json:"minutes,omitempty"`
}

// Schedule is a time-triggered rule that expands into a pipeline enqueue.
// Exactly one trigger applies: StartTimes, then Cron, then IntervalMinutes.
type Schedule struct {
	Device          string   `yaml:"device,omitempty"           json:"device,omitempty"`
	Repeat          int      `yaml:"repeat,omitempty"           json:"repeat,omitempty"`
	Items           []Item   `yaml:"items"                      json:"items"`
	StartTimes      []string `yaml:"start_times,omitempty"      json:"start_times,omitempty"`
	IntervalMinutes int      `yaml:"interval_minutes,omitempty" json:"interval_minutes,omitempty"`
	Cron            string   `yaml:"cron,omitempty"             json:"cron,omitempty"`
}

// LoadFile reads and parses the schedule file at path.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading schedule file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a schedule file. Unknown keys are rejected.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing schedule file: %w", err)
	}
	if f.Cycles == nil {
		f.Cycles = map[string]Cycle{}
	}
	if f.Schedules == nil {
		f.Schedules = map[string]Schedule{}
	}
	return &f, nil
}

// DeviceFor resolves the target device of a schedule.
func (f *File) DeviceFor(s Schedule) string {
	if d := strings.TrimSpace(s.Device); d != "" {
		return d
	}
	return strings.TrimSpace(f.System.DefaultDevice)
}

// Flatten expands items into a concrete step list: cycle references are
// replaced by the cycle's steps and breaks become break steps measured in
// seconds. References to unknown cycles expand to nothing.
func Flatten(cycles map[string]Cycle, items []Item) []models.Step {
	out := []models.Step{}
	for _, it := range items {
		switch it.Type {
		case ItemCycle:
			c, ok := cycles[it.Name]
			if !ok {
				slog.Warn("schedule references unknown cycle", "cycle", it.Name)
				continue
			}
			out = append(out, c.Steps...)
		case ItemBreak:
			minutes := it.Minutes
			if minutes <= 0 {
				minutes = models.DefaultBreakMinutes
			}
			out = append(out, models.Step{Type: models.StepBreak, Duration: models.Secs(minutes * 60)})
		default:
			slog.Warn("unknown schedule item skipped", "type", it.Type)
		}
	}
	return out
}

// parseTimeOfDay parses "HH:MM" in 24-hour form.
func parseTimeOfDay(s string) (hour, minute int, err error) {
	hh, mm, found := strings.Cut(strings.TrimSpace(s), ":")
	if !found {
		return 0, 0, fmt.Errorf("invalid time of day %q: want HH:MM", s)
	}
	hour, err = strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err = strconv.Atoi(mm)
	if err != nil || len(mm) != 2 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}
