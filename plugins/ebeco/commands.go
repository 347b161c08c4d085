package ebeco

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

var (
	ErrUnknownEntry   = errors.New("ebeco: unknown entry")
	ErrEntryRequired  = errors.New("ebeco: entry name required when several are configured")
	ErrInvalidCommand = errors.New("ebeco: invalid command")
	ErrChangeRejected = errors.New("ebeco: change was not applied")
)

// entrySet indexes entries by name.
type entrySet struct {
	list   []*Entry
	byName map[string]*Entry
}

func newEntrySet(entries []*Entry) entrySet {
	set := entrySet{list: entries, byName: make(map[string]*Entry, len(entries))}
	for _, e := range entries {
		set.byName[e.Name()] = e
	}
	return set
}

// resolve finds an entry. An empty name is accepted when exactly one exists.
func (s entrySet) resolve(name string) (*Entry, error) {
	if name == "" {
		if len(s.list) == 1 {
			return s.list[0], nil
		}
		return nil, ErrEntryRequired
	}
	e, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntry, name)
	}
	return e, nil
}

func (s entrySet) names() []string {
	names := make([]string, 0, len(s.list))
	for _, e := range s.list {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

// states lists every entry's state ordered by name.
func (s entrySet) states() []State {
	states := make([]State, 0, len(s.list))
	for _, name := range s.names() {
		states = append(states, s.byName[name].State())
	}
	return states
}

func (s entrySet) coordinators() []*Coordinator {
	out := make([]*Coordinator, 0, len(s.list))
	for _, e := range s.list {
		out = append(out, e.Coordinator())
	}
	return out
}

// Command is a transport-neutral user request against one entry.
type Command struct {
	Power       *bool
	Temperature *float64
	Preset      string
	Mode        string
}

// change maps a command onto exactly one Change.
func (c Command) change() (Change, error) {
	set := 0
	for _, present := range []bool{c.Power != nil, c.Temperature != nil, c.Preset != "", c.Mode != ""} {
		if present {
			set++
		}
	}
	if set != 1 {
		return Change{}, fmt.Errorf("%w: exactly one of power, temperature, preset or mode is required", ErrInvalidCommand)
	}

	switch {
	case c.Power != nil:
		return PowerChange(*c.Power), nil
	case c.Temperature != nil:
		if *c.Temperature < MinTemperature || *c.Temperature > MaxTemperature {
			return Change{}, fmt.Errorf("%w: temperature %.1f outside %.0f-%.0f", ErrInvalidCommand, *c.Temperature, MinTemperature, MaxTemperature)
		}
		change, _ := TargetTemperatureChange(c.Temperature)
		return change, nil
	case c.Preset != "":
		change, ok := PresetModeChange(Preset(c.Preset))
		if !ok {
			return Change{}, fmt.Errorf("%w: unknown preset %q", ErrInvalidCommand, c.Preset)
		}
		return change, nil
	default:
		change, ok := HVACModeChange(HVACMode(c.Mode))
		if !ok {
			return Change{}, fmt.Errorf("%w: unsupported hvac mode %q", ErrInvalidCommand, c.Mode)
		}
		return change, nil
	}
}

// Execute applies a command and returns the entry's resulting state.
func (e *Entry) Execute(ctx context.Context, cmd Command) (State, error) {
	change, err := cmd.change()
	if err != nil {
		return State{}, err
	}
	change.DeviceID = e.cfg.DeviceID
	if !e.coordinator.Change(ctx, change) {
		return e.State(), ErrChangeRejected
	}
	return e.State(), nil
}

// Refresh forces a poll outside the schedule.
func (e *Entry) Refresh(ctx context.Context) (State, error) {
	if err := e.coordinator.Refresh(ctx); err != nil {
		return e.State(), err
	}
	return e.State(), nil
}
