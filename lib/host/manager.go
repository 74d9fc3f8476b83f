package host

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/snowmerak/plughost/lib/plugin"
)

// Manager holds the supervisors of all game server instances.
type Manager struct {
	log logr.Logger

	mu          sync.RWMutex
	supervisors map[string]*Supervisor
}

func NewManager(log logr.Logger) *Manager {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Manager{
		log:         log.WithName("manager"),
		supervisors: make(map[string]*Supervisor),
	}
}

// Attach adds s under its instance id.
func (m *Manager) Attach(s *Supervisor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.supervisors[s.Instance()]; exists {
		return fmt.Errorf("instance %s is already attached", s.Instance())
	}
	m.supervisors[s.Instance()] = s
	return nil
}

// Detach stops and removes the supervisor of instance.
func (m *Manager) Detach(ctx context.Context, instance string) error {
	m.mu.Lock()
	s, ok := m.supervisors[instance]
	delete(m.supervisors, instance)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownInstance, instance)
	}
	return s.Stop(ctx)
}

func (m *Manager) Get(instance string) (*Supervisor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.supervisors[instance]
	return s, ok
}

// Instances returns the attached instance ids, sorted.
func (m *Manager) Instances() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.supervisors))
	for id := range m.supervisors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StartPlugins starts units on instance in dependency order. It returns
// the names that started; failed starts are joined into the error. Units
// whose required dependencies never start are reported through
// PluginBlockedEvent and are not an error.
func (m *Manager) StartPlugins(ctx context.Context, instance string, units ...*plugin.Unit) ([]string, error) {
	s, ok := m.Get(instance)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownInstance, instance)
	}
	log := m.log.WithValues("instance", instance)

	var (
		started []string
		errs    error
	)
	q := plugin.NewQueue(units...)
	for {
		u, ok := q.Next()
		if !ok {
			break
		}
		log.V(1).Info("starting plugin", "plugin", u.Name, "phase", q.Phase().String())
		if _, err := s.StartPlugin(ctx, u); err != nil {
			log.Error(err, "plugin failed to start", "plugin", u.Name)
			errs = multierr.Append(errs, err)
			continue
		}
		started = append(started, u.Name)
	}

	for _, missing := range q.MissingDependencies() {
		log.Info("plugin blocked by missing dependencies", "plugin", missing.Unit.Name, "missing", missing.Missing)
		s.Events().Fire(&PluginBlockedEvent{Instance: instance, Unit: missing.Unit, Missing: missing.Missing})
	}
	return started, errs
}

// ApplyConfig pushes the plugin configs of instance that differ from the
// stored ones.
func (m *Manager) ApplyConfig(ctx context.Context, instance string, configs map[string]map[string]any) error {
	s, ok := m.Get(instance)
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownInstance, instance)
	}

	names := make([]string, 0, len(configs))
	for name := range configs {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs error
	for _, name := range names {
		current, err := s.Config(ctx, name)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		next := configs[name]
		if next == nil {
			next = map[string]any{}
		}
		if reflect.DeepEqual(current, next) {
			continue
		}
		m.log.Info("plugin config changed", "instance", instance, "plugin", name)
		errs = multierr.Append(errs, s.UpdateConfig(ctx, name, next))
	}
	return errs
}

// Stop stops every supervisor concurrently.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.RLock()
	supervisors := make([]*Supervisor, 0, len(m.supervisors))
	for _, s := range m.supervisors {
		supervisors = append(supervisors, s)
	}
	m.mu.RUnlock()

	var (
		mu   sync.Mutex
		errs error
	)
	var g errgroup.Group
	for _, s := range supervisors {
		g.Go(func() error {
			if err := s.Stop(ctx); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("instance %s: %w", s.Instance(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}
