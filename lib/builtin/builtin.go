// Package builtin contains the plugins compiled into every worker.
package builtin

import "github.com/snowmerak/plughost/lib/plugin"

// Register adds the built-in plugin entries to reg.
func Register(reg *plugin.Registry) error {
	if err := reg.Register(ChatlogName, Chatlog); err != nil {
		return err
	}
	return reg.Register(PlayerCountName, PlayerCount)
}

// Registry returns a registry holding only the built-in plugins.
func Registry() *plugin.Registry {
	reg := plugin.NewRegistry()
	if err := Register(reg); err != nil {
		panic(err)
	}
	return reg
}
