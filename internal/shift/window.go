package shift

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/savegress/oeesense/internal/segment"
	"github.com/savegress/oeesense/pkg/models"
)

// Timing selects how a shift's planned window is derived
type Timing int

const (
	// TimingElapsed uses started_at to ended_at, or to now while running
	TimingElapsed Timing = iota
	// TimingScheduled uses the shift template's clock window
	TimingScheduled
)

func (t Timing) String() string {
	if t == TimingScheduled {
		return "scheduled"
	}
	return "elapsed"
}

// parseClock parses "HH:MM" into an offset from midnight
func parseClock(s string) (time.Duration, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid clock %q", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid clock %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid clock %q", s)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}

// ScheduledWindow anchors a template to the shift's start. The scheduled
// start nearest to startedAt is used, so a late start after midnight still
// maps to the previous evening's night shift. An end clock at or before
// the start clock rolls over to the next day. Clocks are in UTC.
func ScheduledWindow(tpl *models.ShiftTemplate, startedAt time.Time) (segment.Window, error) {
	start, err := parseClock(tpl.StartClock)
	if err != nil {
		return segment.Window{}, err
	}
	end, err := parseClock(tpl.EndClock)
	if err != nil {
		return segment.Window{}, err
	}

	scheduledStart := models.Day(startedAt).Add(start)
	switch diff := scheduledStart.Sub(startedAt.UTC()); {
	case diff > 12*time.Hour:
		scheduledStart = scheduledStart.AddDate(0, 0, -1)
	case diff < -12*time.Hour:
		scheduledStart = scheduledStart.AddDate(0, 0, 1)
	}

	length := end - start
	if length <= 0 {
		length += 24 * time.Hour
	}
	return segment.Window{Start: scheduledStart, End: scheduledStart.Add(length)}, nil
}
