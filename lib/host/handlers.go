package host

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/go-logr/logr"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"github.com/snowmerak/plughost/lib/messenger"
	"github.com/snowmerak/plughost/lib/plugin"
)

func (s *Supervisor) registerHandlers(m *messenger.Messenger) {
	m.Handle(plugin.ActionGetPluginConfig, s.getPluginConfig)
	m.Handle(plugin.ActionLogMessage, s.logMessage)
	m.Handle(plugin.ActionRequestPermissions, s.requestPermissions)
}

func (s *Supervisor) getPluginConfig(ctx context.Context, req *messenger.Request) (any, error) {
	var in plugin.ConfigRequest
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	return s.opts.Configs.Get(ctx, s.opts.Instance, in.Name)
}

func (s *Supervisor) requestPermissions(ctx context.Context, req *messenger.Request) (any, error) {
	var in plugin.PermissionRequest
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	granted, err := s.opts.Permissions.Grant(ctx, s.opts.Instance, in.Plugin, in.Permissions)
	if err != nil {
		return nil, err
	}
	s.log.V(1).Info("permissions requested", "plugin", in.Plugin, "requested", in.Permissions, "granted", granted)
	return plugin.PermissionReply{Granted: granted}, nil
}

func (s *Supervisor) logMessage(_ context.Context, req *messenger.Request) (any, error) {
	var msg plugin.LogMessage
	if err := req.Decode(&msg); err != nil {
		return nil, err
	}
	if !s.logs.allow(msg.Plugin) {
		return nil, nil
	}

	log := s.log.WithName("plugin").WithValues("plugin", msg.Plugin)
	if msg.Logger != "" {
		log = log.WithName(msg.Logger)
	}
	kv := keysAndValues(msg.Values)
	if msg.Level < 0 {
		var err error
		if msg.Error != "" {
			err = errors.New(msg.Error)
		}
		log.Error(err, msg.Message, kv...)
		return nil, nil
	}
	log.V(msg.Level).Info(msg.Message, kv...)
	return nil, nil
}

func keysAndValues(values map[string]any) []any {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	kv := make([]any, 0, 2*len(keys))
	for _, k := range keys {
		kv = append(kv, k, values[k])
	}
	return kv
}

// logLimiter rate limits plugin log lines per plugin.
type logLimiter struct {
	limit rate.Limit
	burst int
	log   logr.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	dropped  map[string]*atomic.Uint64
}

func newLogLimiter(limit rate.Limit, burst int, log logr.Logger) *logLimiter {
	return &logLimiter{
		limit:    limit,
		burst:    burst,
		log:      log,
		limiters: make(map[string]*rate.Limiter),
		dropped:  make(map[string]*atomic.Uint64),
	}
}

func (l *logLimiter) allow(plugin string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[plugin]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[plugin] = lim
		l.dropped[plugin] = atomic.NewUint64(0)
	}
	dropped := l.dropped[plugin]
	l.mu.Unlock()

	if lim.Allow() {
		return true
	}
	if n := dropped.Inc(); n == 1 || n%1000 == 0 {
		l.log.Info("plugin is logging too fast, dropping lines", "plugin", plugin, "dropped", n)
	}
	return false
}

// Dropped returns the number of lines dropped for plugin.
func (l *logLimiter) Dropped(plugin string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if d, ok := l.dropped[plugin]; ok {
		return d.Load()
	}
	return 0
}
