package host

import "github.com/snowmerak/plughost/lib/plugin"

// WorkerStartedEvent is fired once a worker completed the handshake.
type WorkerStartedEvent struct {
	Instance string
	Session  string
	Pid      int
}

// WorkerExitedEvent is fired when a worker went away, whether it was
// stopped or crashed. Err is nil after a requested stop.
type WorkerExitedEvent struct {
	Instance string
	Session  string
	ExitCode int
	Err      error
	// Plugins were running when the worker exited.
	Plugins []string
}

// PluginStartedEvent is fired after a worker acknowledged addPlugin.
type PluginStartedEvent struct {
	Instance string
	Name     string
	Version  string
	RunID    string
}

// PluginStoppedEvent is fired after a worker stopped a plugin.
type PluginStoppedEvent struct {
	Instance string
	Name     string
}

// PluginBlockedEvent is fired for every plugin whose required
// dependencies never started.
type PluginBlockedEvent struct {
	Instance string
	Unit     *plugin.Unit
	Missing  []string
}
