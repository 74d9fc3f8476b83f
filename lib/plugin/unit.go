package plugin

import (
	"fmt"
	"maps"
	"slices"
	"sync"
)

// State is the lifecycle state of a Unit.
type State int

const (
	Stopped State = iota
	Started
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Started:
		return "started"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Unit is one plugin as known to the scheduler and the worker.
type Unit struct {
	Name         string
	Version      string
	Entry        string
	RequiredDeps []string
	OptionalDeps []string

	mu     sync.RWMutex
	config map[string]any
	state  State
}

// NewUnit creates a stopped unit.
func NewUnit(name, version string, config map[string]any) *Unit {
	return &Unit{Name: name, Version: version, config: maps.Clone(config)}
}

// WithDeps sets the dependencies and returns u.
func (u *Unit) WithDeps(required, optional []string) *Unit {
	u.RequiredDeps = slices.Clone(required)
	u.OptionalDeps = slices.Clone(optional)
	return u
}

// EntryName returns the registry name of the unit's entry code.
func (u *Unit) EntryName() string {
	if u.Entry != "" {
		return u.Entry
	}
	return u.Name
}

func (u *Unit) State() State {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.state
}

func (u *Unit) Running() bool { return u.State() == Started }

// Start marks the unit started and reports whether it was stopped.
func (u *Unit) Start() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state == Started {
		return false
	}
	u.state = Started
	return true
}

// Stop marks the unit stopped and reports whether it was started.
func (u *Unit) Stop() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state == Stopped {
		return false
	}
	u.state = Stopped
	return true
}

// Config returns a copy of the unit's configuration.
func (u *Unit) Config() map[string]any {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return maps.Clone(u.config)
}

func (u *Unit) SetConfig(config map[string]any) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.config = maps.Clone(config)
}

// StartCommand is the serialised unit sent with addPlugin.
type StartCommand struct {
	Name                 string         `json:"name"`
	Version              string         `json:"version"`
	Entry                string         `json:"entry,omitempty"`
	Config               map[string]any `json:"config"`
	Dependencies         []string       `json:"dependencies,omitempty"`
	OptionalDependencies []string       `json:"optionalDependencies,omitempty"`
}

// Command returns the serialisable form of u.
func (u *Unit) Command() StartCommand {
	cfg := u.Config()
	if cfg == nil {
		cfg = map[string]any{}
	}
	return StartCommand{
		Name:                 u.Name,
		Version:              u.Version,
		Entry:                u.Entry,
		Config:               cfg,
		Dependencies:         slices.Clone(u.RequiredDeps),
		OptionalDependencies: slices.Clone(u.OptionalDeps),
	}
}

// UnitFromCommand rebuilds a stopped unit from its serialised form.
func UnitFromCommand(cmd StartCommand) (*Unit, error) {
	if cmd.Name == "" {
		return nil, fmt.Errorf("start command without plugin name")
	}
	u := NewUnit(cmd.Name, cmd.Version, cmd.Config)
	u.Entry = cmd.Entry
	return u.WithDeps(cmd.Dependencies, cmd.OptionalDependencies), nil
}

// StopCommand is the payload of delPlugin.
type StopCommand struct {
	Name string `json:"name"`
}

// ConfigCommand is the payload of updateConfig.
type ConfigCommand struct {
	Name   string         `json:"name"`
	Config map[string]any `json:"config"`
}

// StartedReply is the reply to a successful addPlugin.
type StartedReply struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	RunID   string `json:"runId"`
}
