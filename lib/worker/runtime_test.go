package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowmerak/plughost/lib/builtin"
	"github.com/snowmerak/plughost/lib/messenger"
	"github.com/snowmerak/plughost/lib/plugin"
	"github.com/snowmerak/plughost/lib/protocol"
	"github.com/snowmerak/plughost/lib/rcon"
	"github.com/snowmerak/plughost/lib/shared"
	"github.com/snowmerak/plughost/lib/store"
	"github.com/snowmerak/plughost/lib/transport"
	"github.com/snowmerak/plughost/lib/worker"
)

type harness struct {
	t       *testing.T
	host    *messenger.Messenger
	runtime *worker.Runtime
	done    chan error

	mu   sync.Mutex
	logs []plugin.LogMessage
}

func startWorker(t *testing.T, reg *plugin.Registry) *harness {
	t.Helper()
	hostCh, workerCh := transport.Pipe(protocol.Binary)

	h := &harness{
		t:    t,
		host: messenger.New(hostCh, messenger.WithLogger(testr.New(t).WithName("host"))),
		runtime: worker.New(worker.Options{
			InstanceID:  "eu-1",
			Registry:    reg,
			Battlefield: rcon.NewStatic(rcon.ServerInfo{Name: "EU #1"}, rcon.Player{Name: "alice"}),
			Logger:      testr.New(t).WithName("worker"),
		}),
		done: make(chan error, 1),
	}

	h.host.Handle(plugin.ActionGetPluginConfig, func(ctx context.Context, req *messenger.Request) (any, error) {
		return map[string]any{"history": 5}, nil
	})
	h.host.Handle(plugin.ActionLogMessage, func(ctx context.Context, req *messenger.Request) (any, error) {
		var msg plugin.LogMessage
		if err := req.Decode(&msg); err != nil {
			return nil, err
		}
		h.mu.Lock()
		h.logs = append(h.logs, msg)
		h.mu.Unlock()
		return nil, nil
	})
	h.host.Handle(plugin.ActionRequestPermissions, func(ctx context.Context, req *messenger.Request) (any, error) {
		var in plugin.PermissionRequest
		if err := req.Decode(&in); err != nil {
			return nil, err
		}
		return plugin.PermissionReply{Granted: in.Permissions[:1]}, nil
	})
	shared.Own(h.host, store.Namespace("chatlog"), store.Interface, store.Store(store.NewMemory()))

	go func() { h.done <- h.runtime.Run(context.Background(), workerCh) }()

	ctx := context.Background()
	require.NoError(t, h.host.Connect(ctx))
	require.NoError(t, h.host.WaitReady(ctx))
	t.Cleanup(func() {
		_ = h.host.Close(nil)
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Error("worker did not exit")
		}
	})
	return h
}

func (h *harness) start(u *plugin.Unit) (plugin.StartedReply, error) {
	return messenger.Call[plugin.StartedReply](context.Background(), h.host, plugin.ActionAddPlugin, u.Command())
}

func (h *harness) route(name, method, path string, body any) (plugin.RouteResponse, error) {
	req := plugin.RouteRequest{Plugin: name, Method: method, Path: path}
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(h.t, err)
		req.Body = raw
	}
	return messenger.Call[plugin.RouteResponse](context.Background(), h.host, plugin.ActionExecuteRoute, req)
}

func (h *harness) logLines() []plugin.LogMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]plugin.LogMessage(nil), h.logs...)
}

func TestChatlogStatusRoute(t *testing.T) {
	h := startWorker(t, builtin.Registry())
	assert.Equal(t, worker.Ready, h.runtime.State())

	reply, err := h.start(plugin.NewUnit("chatlog", "1.0.0", map[string]any{"history": 10}))
	require.NoError(t, err)
	assert.Equal(t, "chatlog", reply.Name)
	assert.NotEmpty(t, reply.RunID)

	res, err := h.route("chatlog", http.MethodGet, "/status", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.Status)

	body, ok := res.Body.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "eu-1", body["instance"])
}

func TestRouteToStoppedPlugin(t *testing.T) {
	h := startWorker(t, builtin.Registry())

	_, err := h.route("chatlog", http.MethodGet, "/status", nil)
	var remote *messenger.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "plugin chatlog is not running", remote.Message)

	_, err = h.start(plugin.NewUnit("chatlog", "1.0.0", nil))
	require.NoError(t, err)

	_, err = h.route("chatlog", http.MethodGet, "/stats", nil)
	assert.ErrorContains(t, err, "did you mean GET /status?")

	_, err = messenger.Call[json.RawMessage](context.Background(), h.host, plugin.ActionDelPlugin, plugin.StopCommand{Name: "chatlog"})
	require.NoError(t, err)

	_, err = h.route("chatlog", http.MethodGet, "/status", nil)
	assert.ErrorContains(t, err, "plugin chatlog is not running")
}

func TestStartAndStopAreIdempotent(t *testing.T) {
	h := startWorker(t, builtin.Registry())
	u := plugin.NewUnit("chatlog", "1.0.0", nil)

	first, err := h.start(u)
	require.NoError(t, err)
	second, err := h.start(u)
	require.NoError(t, err)
	assert.Equal(t, first.RunID, second.RunID)

	stop := func() map[string]any {
		out, err := messenger.Call[map[string]any](context.Background(), h.host, plugin.ActionDelPlugin, plugin.StopCommand{Name: "chatlog"})
		require.NoError(t, err)
		return out
	}
	assert.Equal(t, true, stop()["stopped"])
	assert.Equal(t, false, stop()["stopped"])
	assert.Empty(t, h.runtime.Running())

	third, err := h.start(u)
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, third.RunID)
}

func TestDependencies(t *testing.T) {
	h := startWorker(t, builtin.Registry())

	players := plugin.NewUnit("playercount", "1.0.0", nil).WithDeps([]string{"chatlog"}, nil)
	_, err := h.start(players)
	assert.ErrorContains(t, err, "missing required dependency chatlog")

	_, err = h.start(plugin.NewUnit("chatlog", "1.0.0", nil).WithDeps(nil, []string{"stats"}))
	require.NoError(t, err)

	_, err = h.start(players)
	require.NoError(t, err)

	res, err := h.route("playercount", http.MethodGet, "/players", nil)
	require.NoError(t, err)
	assert.Equal(t, float64(1), res.Body.(map[string]any)["count"])
	assert.ElementsMatch(t, []string{"chatlog", "playercount"}, h.runtime.Running())
}

func TestEntryFailures(t *testing.T) {
	reg := plugin.NewRegistry()
	reg.MustRegister("broken", func(ctx context.Context, env *plugin.Env) (any, error) {
		return nil, errors.New("database unreachable")
	})
	reg.MustRegister("panicky", func(ctx context.Context, env *plugin.Env) (any, error) {
		panic("nil map write")
	})
	h := startWorker(t, reg)

	_, err := h.start(plugin.NewUnit("broken", "1", nil))
	assert.ErrorContains(t, err, "plugin broken failed to start: database unreachable")

	_, err = h.start(plugin.NewUnit("panicky", "1", nil))
	var remote *messenger.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, "nil map write")
	assert.NotEmpty(t, remote.Stack)

	_, err = h.start(plugin.NewUnit("unknown", "1", nil))
	assert.ErrorContains(t, err, `no entry "unknown"`)

	assert.Empty(t, h.runtime.Running())
}

func TestEngineAndLogger(t *testing.T) {
	reg := plugin.NewRegistry()
	configs := make(chan map[string]any, 2)
	reg.MustRegister("probe", func(ctx context.Context, env *plugin.Env) (any, error) {
		cfg, err := env.Engine.Config(ctx)
		if err != nil {
			return nil, err
		}
		granted, err := env.Engine.RequestPermissions(ctx, "rcon.say", "rcon.kick")
		if err != nil {
			return nil, err
		}
		env.Logger.WithName("probe").Info("configured", "history", cfg["history"], "granted", granted)
		env.OnConfigChange(func(cfg map[string]any) { configs <- cfg })
		return nil, nil
	})
	h := startWorker(t, reg)

	_, err := h.start(plugin.NewUnit("probe", "1", nil))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(h.logLines()) > 0 }, 2*time.Second, 10*time.Millisecond)
	line := h.logLines()[0]
	assert.Equal(t, "probe", line.Plugin)
	assert.Equal(t, "probe", line.Logger)
	assert.Equal(t, "configured", line.Message)
	assert.Equal(t, float64(5), line.Values["history"])
	assert.Equal(t, []any{"rcon.say"}, line.Values["granted"])

	_, err = h.host.Send(context.Background(), plugin.ActionUpdateConfig, plugin.ConfigCommand{Name: "probe", Config: map[string]any{"history": 7}})
	require.NoError(t, err)
	select {
	case cfg := <-configs:
		assert.Equal(t, float64(7), cfg["history"])
	case <-time.After(time.Second):
		t.Fatal("config change hook not called")
	}
}

func TestBootstrapTimeout(t *testing.T) {
	_, workerCh := transport.Pipe(protocol.Binary)
	rt := worker.New(worker.Options{BootstrapTimeout: 50 * time.Millisecond, Logger: testr.New(t)})

	err := rt.Run(context.Background(), workerCh)
	require.ErrorIs(t, err, worker.ErrBootstrapTimeout)
	assert.Equal(t, worker.Closed, rt.State())
}

func TestRequestsBeforeReadyAreRejected(t *testing.T) {
	hostCh, workerCh := transport.Pipe(protocol.JSON)
	defer hostCh.Close()

	rt := worker.New(worker.Options{Registry: builtin.Registry(), BootstrapTimeout: time.Second, Logger: testr.New(t)})
	done := make(chan error, 1)
	go func() { done <- rt.Run(context.Background(), workerCh) }()

	payload, err := protocol.Marshal(plugin.NewUnit("chatlog", "1", nil).Command())
	require.NoError(t, err)
	require.NoError(t, hostCh.Send(context.Background(), &protocol.Data{ID: 1, Action: plugin.ActionAddPlugin, Payload: payload}))

	for env := range hostCh.Receive() {
		if ack, ok := env.(*protocol.ErrorAck); ok {
			assert.Equal(t, uint64(1), ack.ID)
			assert.Contains(t, ack.Message, "not ready")
			break
		}
	}
	require.NoError(t, hostCh.Close())
	<-done
}

func TestHostHangupStopsPlugins(t *testing.T) {
	reg := plugin.NewRegistry()
	stopped := make(chan struct{})
	reg.MustRegister("tracked", func(ctx context.Context, env *plugin.Env) (any, error) {
		env.OnStop(func(context.Context) error {
			close(stopped)
			return nil
		})
		return nil, nil
	})
	h := startWorker(t, reg)

	_, err := h.start(plugin.NewUnit("tracked", "1", nil))
	require.NoError(t, err)

	require.NoError(t, h.host.Close(nil))
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("plugin not stopped when host went away")
	}
	assert.NoError(t, <-h.done)
	h.done <- nil
}

func TestHostHangupStopsDependentsFirst(t *testing.T) {
	reg := plugin.NewRegistry()
	var (
		mu    sync.Mutex
		order []string
	)
	for _, name := range []string{"a", "b", "c"} {
		reg.MustRegister(name, func(ctx context.Context, env *plugin.Env) (any, error) {
			env.OnStop(func(context.Context) error {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return nil
			})
			return nil, nil
		})
	}
	h := startWorker(t, reg)

	// c only optionally uses b, but it got b's exports, so b outlives c
	for _, u := range []*plugin.Unit{
		plugin.NewUnit("a", "1", nil),
		plugin.NewUnit("b", "1", nil).WithDeps([]string{"a"}, nil),
		plugin.NewUnit("c", "1", nil).WithDeps(nil, []string{"b"}),
	} {
		_, err := h.start(u)
		require.NoError(t, err)
	}

	require.NoError(t, h.host.Close(nil))
	assert.NoError(t, <-h.done)
	h.done <- nil

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"c", "b", "a"}, order)
}
