package host_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/robinbraemer/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowmerak/plughost/lib/host"
	"github.com/snowmerak/plughost/lib/plugin"
)

func TestManagerStartsInDependencyOrder(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	blocked := make(chan *host.PluginBlockedEvent, 1)
	event.Subscribe(f.events, 0, func(e *host.PluginBlockedEvent) { blocked <- e })

	mgr := host.NewManager(testr.New(t))
	require.NoError(t, mgr.Attach(f.sup))
	require.Error(t, mgr.Attach(f.sup))
	assert.Equal(t, []string{"eu-1"}, mgr.Instances())

	started, err := mgr.StartPlugins(context.Background(), "eu-1",
		plugin.NewUnit("playercount", "1", nil).WithDeps([]string{"chatlog"}, nil),
		plugin.NewUnit("ghost", "1", nil).WithDeps([]string{"missing"}, nil),
		plugin.NewUnit("chatlog", "1", nil),
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"chatlog", "playercount"}, started)
	assert.Equal(t, []string{"chatlog", "playercount"}, f.sup.Running())

	e := <-blocked
	assert.Equal(t, "ghost", e.Unit.Name)
	assert.Equal(t, []string{"missing"}, e.Missing)

	_, err = mgr.StartPlugins(context.Background(), "nowhere")
	assert.ErrorIs(t, err, host.ErrUnknownInstance)
}

func TestManagerReportsFailedStarts(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	mgr := host.NewManager(testr.New(t))
	require.NoError(t, mgr.Attach(f.sup))

	started, err := mgr.StartPlugins(context.Background(), "eu-1",
		plugin.NewUnit("unknown", "1", nil),
		plugin.NewUnit("chatlog", "1", nil),
	)
	assert.ErrorContains(t, err, "failed to start plugin unknown")
	assert.Equal(t, []string{"chatlog"}, started)
}

func TestManagerApplyConfig(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	mgr := host.NewManager(testr.New(t))
	require.NoError(t, mgr.Attach(f.sup))

	_, err := mgr.StartPlugins(context.Background(), "eu-1", plugin.NewUnit("probe", "1", map[string]any{"greeting": "hi"}))
	require.NoError(t, err)
	<-f.reg.engine

	require.NoError(t, mgr.ApplyConfig(context.Background(), "eu-1", map[string]map[string]any{
		"probe": {"greeting": "hi"},
	}))
	select {
	case <-f.reg.configs:
		t.Fatal("unchanged config was pushed")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, mgr.ApplyConfig(context.Background(), "eu-1", map[string]map[string]any{
		"probe":   {"greeting": "bonjour"},
		"stopped": {"enabled": false},
	}))
	select {
	case cfg := <-f.reg.configs:
		assert.Equal(t, "bonjour", cfg["greeting"])
	case <-time.After(time.Second):
		t.Fatal("changed config not pushed")
	}
}

func TestManagerDetach(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	mgr := host.NewManager(testr.New(t))
	require.NoError(t, mgr.Attach(f.sup))

	require.NoError(t, mgr.Detach(context.Background(), "eu-1"))
	assert.Equal(t, host.Stopped, f.sup.State())
	assert.Empty(t, mgr.Instances())
	assert.ErrorIs(t, mgr.Detach(context.Background(), "eu-1"), host.ErrUnknownInstance)
	assert.NoError(t, mgr.Stop(context.Background()))
}

func TestStaticPolicy(t *testing.T) {
	p := host.NewStaticPolicy()
	p.Allow("eu-1", "admin", host.AllPermissions)
	p.Allow("eu-1", "chatlog", "rcon.say")

	granted, err := p.Grant(context.Background(), "eu-1", "chatlog", []string{"rcon.say", "rcon.kick"})
	require.NoError(t, err)
	assert.Equal(t, []string{"rcon.say"}, granted)

	granted, _ = p.Grant(context.Background(), "eu-1", "admin", []string{"rcon.kick"})
	assert.Equal(t, []string{"rcon.kick"}, granted)

	granted, _ = p.Grant(context.Background(), "eu-2", "chatlog", []string{"rcon.say"})
	assert.Empty(t, granted)

	p.Reset("eu-1", "chatlog")
	granted, _ = p.Grant(context.Background(), "eu-1", "chatlog", []string{"rcon.say"})
	assert.Empty(t, granted)
}
