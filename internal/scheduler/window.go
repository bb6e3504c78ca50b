package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidWindow is returned when a WindowConfig cannot be scheduled.
var ErrInvalidWindow = errors.New("invalid schedule window")

// ActiveHours is an inclusive range of local hours, e.g. {8, 16} means
// 08:00 through 16:59.
type ActiveHours struct {
	From int
	To   int
}

// WindowConfig describes when a school day runs. Cron expressions use the
// standard five fields and are evaluated in Location.
type WindowConfig struct {
	StartCron      string
	StopCron       string
	WakeInterval   time.Duration
	ActiveHours    ActiveHours
	ActiveWeekdays []time.Weekday
	Location       *time.Location
}

// ScheduleWindow is the validated, parsed form of a WindowConfig. It is
// immutable and safe for concurrent use.
type ScheduleWindow struct {
	startSpec string
	stopSpec  string
	wakeSpec  string

	start cron.Schedule
	stop  cron.Schedule
	wake  cron.Schedule

	interval time.Duration
	hours    ActiveHours
	weekdays map[time.Weekday]bool
	loc      *time.Location
}

// NewScheduleWindow parses and validates cfg.
func NewScheduleWindow(cfg WindowConfig) (*ScheduleWindow, error) {
	if cfg.Location == nil {
		return nil, fmt.Errorf("%w: location is required", ErrInvalidWindow)
	}
	if cfg.WakeInterval < time.Minute || cfg.WakeInterval > time.Hour || cfg.WakeInterval%time.Minute != 0 {
		return nil, fmt.Errorf("%w: wake interval must be whole minutes between 1 and 60, got %s", ErrInvalidWindow, cfg.WakeInterval)
	}
	if minutes := int(cfg.WakeInterval / time.Minute); 60%minutes != 0 {
		return nil, fmt.Errorf("%w: wake interval must divide the hour evenly, got %s", ErrInvalidWindow, cfg.WakeInterval)
	}
	h := cfg.ActiveHours
	if h.From < 0 || h.To > 23 || h.From > h.To {
		return nil, fmt.Errorf("%w: active hours %d-%d out of range", ErrInvalidWindow, h.From, h.To)
	}
	if len(cfg.ActiveWeekdays) == 0 {
		return nil, fmt.Errorf("%w: at least one active weekday is required", ErrInvalidWindow)
	}

	start, err := cron.ParseStandard(cfg.StartCron)
	if err != nil {
		return nil, fmt.Errorf("%w: start cron %q: %v", ErrInvalidWindow, cfg.StartCron, err)
	}
	stop, err := cron.ParseStandard(cfg.StopCron)
	if err != nil {
		return nil, fmt.Errorf("%w: stop cron %q: %v", ErrInvalidWindow, cfg.StopCron, err)
	}

	wakeSpec := wakeSpecFor(cfg.WakeInterval)
	wake, err := cron.ParseStandard(wakeSpec)
	if err != nil {
		return nil, fmt.Errorf("%w: wake cron %q: %v", ErrInvalidWindow, wakeSpec, err)
	}

	weekdays := make(map[time.Weekday]bool, len(cfg.ActiveWeekdays))
	for _, d := range cfg.ActiveWeekdays {
		if d < time.Sunday || d > time.Saturday {
			return nil, fmt.Errorf("%w: weekday %d out of range", ErrInvalidWindow, d)
		}
		weekdays[d] = true
	}

	return &ScheduleWindow{
		startSpec: cfg.StartCron,
		stopSpec:  cfg.StopCron,
		wakeSpec:  wakeSpec,
		start:     start,
		stop:      stop,
		wake:      wake,
		interval:  cfg.WakeInterval,
		hours:     h,
		weekdays:  weekdays,
		loc:       cfg.Location,
	}, nil
}

// wakeSpecFor aligns wake ticks to the top of the hour.
func wakeSpecFor(interval time.Duration) string {
	minutes := int(interval / time.Minute)
	if minutes >= 60 {
		return "0 * * * *"
	}
	return fmt.Sprintf("*/%d * * * *", minutes)
}

func (w *ScheduleWindow) Location() *time.Location { return w.loc }
func (w *ScheduleWindow) StartSpec() string         { return w.startSpec }
func (w *ScheduleWindow) StopSpec() string          { return w.stopSpec }
func (w *ScheduleWindow) WakeSpec() string          { return w.wakeSpec }
func (w *ScheduleWindow) WakeInterval() time.Duration {
	return w.interval
}

// Active reports whether now falls on an active weekday inside active hours.
func (w *ScheduleWindow) Active(now time.Time) bool {
	local := now.In(w.loc)
	if !w.weekdays[local.Weekday()] {
		return false
	}
	return local.Hour() >= w.hours.From && local.Hour() <= w.hours.To
}

// ShouldWake decides whether a wake tick at now fires. Ticks outside the
// active window are dropped, as is any tick at or after today's stop minus
// WakeInterval: the end push refreshes the device anyway.
func (w *ScheduleWindow) ShouldWake(now time.Time) bool {
	if !w.Active(now) {
		return false
	}

	tick := now.In(w.loc).Truncate(time.Minute)
	if stop, ok := w.firstOn(w.stop, tick); ok && stop.Sub(tick) <= w.interval {
		return false
	}
	return true
}

// InSession reports whether now lies between today's start and today's stop
// on an active weekday. Used to recover the lifecycle state after a restart.
func (w *ScheduleWindow) InSession(now time.Time) bool {
	local := now.In(w.loc)
	if !w.weekdays[local.Weekday()] {
		return false
	}

	start, ok := w.firstOn(w.start, local)
	if !ok {
		return false
	}
	stop, ok := w.firstOn(w.stop, local)
	if !ok {
		return false
	}
	return !local.Before(start) && local.Before(stop)
}

// firstOn returns the first fire time of sched on the local day of t.
func (w *ScheduleWindow) firstOn(sched cron.Schedule, t time.Time) (time.Time, bool) {
	local := t.In(w.loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, w.loc)
	first := sched.Next(midnight.Add(-time.Second))
	if first.IsZero() || !sameDay(first, local) {
		return time.Time{}, false
	}
	return first, true
}

// NextStart returns the next start fire time after now, in local time.
func (w *ScheduleWindow) NextStart(now time.Time) time.Time {
	return w.start.Next(now.In(w.loc))
}

// NextStop returns the next stop fire time after now, in local time.
func (w *ScheduleWindow) NextStop(now time.Time) time.Time {
	return w.stop.Next(now.In(w.loc))
}

// NextWake returns the next wake tick after now that ShouldWake accepts, or
// the zero time if none occurs within a week.
func (w *ScheduleWindow) NextWake(now time.Time) time.Time {
	t := now.In(w.loc)
	limit := t.Add(7 * 24 * time.Hour)
	for {
		t = w.wake.Next(t)
		if t.IsZero() || t.After(limit) {
			return time.Time{}
		}
		if w.ShouldWake(t) {
			return t
		}
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
