package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-logr/logr"

	"github.com/snowmerak/plughost/lib/messenger"
	"github.com/snowmerak/plughost/lib/plugin"
)

type engine struct {
	runtime *Runtime
	plugin  string
}

var _ plugin.Engine = (*engine)(nil)

func (e *engine) InstanceID() string { return e.runtime.opts.InstanceID }

func (e *engine) Config(ctx context.Context) (map[string]any, error) {
	return messenger.Call[map[string]any](ctx, e.runtime.m, plugin.ActionGetPluginConfig, plugin.ConfigRequest{Name: e.plugin})
}

func (e *engine) RequestPermissions(ctx context.Context, permissions ...string) ([]string, error) {
	reply, err := messenger.Call[plugin.PermissionReply](ctx, e.runtime.m, plugin.ActionRequestPermissions, plugin.PermissionRequest{
		Plugin:      e.plugin,
		Permissions: permissions,
	})
	return reply.Granted, err
}

// forwardLogs sends queued plugin log lines to the host in order.
func (r *Runtime) forwardLogs() {
	for {
		select {
		case <-r.ctx.Done():
			return
		case msg := <-r.logs:
			if _, err := r.m.Send(r.ctx, plugin.ActionLogMessage, msg); err != nil {
				r.log.V(1).Info("failed to forward plugin log", "plugin", msg.Plugin, "error", err.Error())
			}
		}
	}
}

func (r *Runtime) enqueueLog(msg plugin.LogMessage) {
	select {
	case r.logs <- msg:
	default:
		if n := r.droppedLogs.Inc(); n == 1 || n%100 == 0 {
			r.log.Info("plugin log buffer full, dropping lines", "dropped", n)
		}
	}
}

// hostSink is a logr.LogSink that forwards plugin log lines to the host.
type hostSink struct {
	runtime *Runtime
	plugin  string
	name    string
	values  []any
}

var _ logr.LogSink = (*hostSink)(nil)

func (s *hostSink) Init(logr.RuntimeInfo) {}

func (s *hostSink) Enabled(int) bool { return true }

func (s *hostSink) Info(level int, msg string, keysAndValues ...any) {
	s.runtime.enqueueLog(plugin.LogMessage{
		Plugin:  s.plugin,
		Level:   level,
		Message: msg,
		Logger:  s.name,
		Values:  s.fields(keysAndValues),
	})
}

func (s *hostSink) Error(err error, msg string, keysAndValues ...any) {
	m := plugin.LogMessage{
		Plugin:  s.plugin,
		Level:   -1,
		Message: msg,
		Logger:  s.name,
		Values:  s.fields(keysAndValues),
	}
	if err != nil {
		m.Error = err.Error()
	}
	s.runtime.enqueueLog(m)
}

func (s *hostSink) WithValues(keysAndValues ...any) logr.LogSink {
	c := *s
	c.values = append(append([]any(nil), s.values...), keysAndValues...)
	return &c
}

func (s *hostSink) WithName(name string) logr.LogSink {
	c := *s
	if c.name == "" {
		c.name = name
	} else {
		c.name = strings.Join([]string{c.name, name}, ".")
	}
	return &c
}

// fields flattens key/value pairs into a JSON safe map.
func (s *hostSink) fields(keysAndValues []any) map[string]any {
	all := append(append([]any(nil), s.values...), keysAndValues...)
	if len(all) == 0 {
		return nil
	}
	out := make(map[string]any, len(all)/2)
	for i := 0; i < len(all); i += 2 {
		key := fmt.Sprint(all[i])
		var v any = "(MISSING)"
		if i+1 < len(all) {
			v = all[i+1]
		}
		switch val := v.(type) {
		case error:
			v = val.Error()
		case fmt.Stringer:
			v = val.String()
		default:
			if _, err := json.Marshal(val); err != nil {
				v = fmt.Sprintf("%+v", val)
			}
		}
		out[key] = v
	}
	return out
}
