package host

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/snowmerak/plughost/lib/protocol"
	"github.com/snowmerak/plughost/lib/rcon"
)

func TestProcessSpawnerArgs(t *testing.T) {
	p := &ProcessSpawner{}
	args := p.Args(WorkerSpec{
		Instance:         "eu-1",
		Session:          "s1",
		PluginDir:        "/srv/plugins",
		RCON:             rcon.Options{Host: "10.0.0.1", Port: 47200, Password: "secret"},
		Codec:            protocol.JSON,
		BootstrapTimeout: 2 * time.Second,
		Debug:            true,
	})
	assert.Equal(t, []string{
		"worker",
		"--instance", "eu-1",
		"--session", "s1",
		"--codec", "json",
		"--plugin-dir", "/srv/plugins",
		"--rcon-host", "10.0.0.1", "--rcon-port", "47200",
		"--bootstrap-timeout", "2s",
		"--debug",
	}, args)
	assert.NotContains(t, args, "secret")

	p.Command = "run-worker"
	assert.Equal(t, "run-worker", p.Args(WorkerSpec{Codec: protocol.Binary})[0])
}
