package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
debug: true
pluginDir: /srv/plugins
codec: json
worker:
  requestTimeout: 5s
instances:
  - id: eu-1
    rcon:
      host: 10.0.0.1
      port: 47200
      password: secret
    plugins:
      chatlog:
        config:
          history: 50
        permissions: [rcon.say]
      playercount:
        enabled: false
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plughost.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	c, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.True(t, c.Debug)
	assert.Equal(t, "/srv/plugins", c.PluginDir)
	assert.Equal(t, "json", c.Codec)
	assert.Equal(t, 5*time.Second, c.Worker.RequestTimeout)
	assert.Equal(t, time.Second, c.Worker.ReadyTimeout)
	assert.Equal(t, 2*time.Second, c.Worker.BootstrapTimeout)

	require.Len(t, c.Instances, 1)
	inst := c.Instances[0]
	assert.Equal(t, "eu-1", inst.ID)
	assert.Equal(t, "10.0.0.1:47200", inst.RCON.Address())
	assert.Equal(t, "secret", inst.RCON.Password)
	assert.True(t, inst.Plugins["chatlog"].IsEnabled())
	assert.False(t, inst.Plugins["playercount"].IsEnabled())
	assert.Equal(t, []string{"rcon.say"}, inst.Plugins["chatlog"].Permissions)

	configs := inst.PluginConfigs()
	assert.Len(t, configs, 1)
	assert.EqualValues(t, 50, configs["chatlog"]["history"])

	_, err = NewValid(c, testr.New(t))
	assert.NoError(t, err)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("PLUGHOST_CODEC", "binary")
	c, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	assert.Equal(t, "binary", c.Codec)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	assert.Error(t, err)

	t.Chdir(t.TempDir())
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "plugins", c.PluginDir)
	assert.Empty(t, c.Instances)
}

func TestValidate(t *testing.T) {
	c, err := Load(writeConfig(t, `
codec: xml
instances:
  - id: eu-1
    rcon: {host: 10.0.0.1, port: 70000}
  - id: eu-1
  - id: "bad id"
`))
	require.NoError(t, err)

	warns, errs := Validate(c)
	assert.Len(t, errs, 4)
	assert.NotEmpty(t, warns)

	_, err = NewValid(c, testr.New(t))
	assert.EqualError(t, err, "there are 4 config validation errors")
}

func TestWatch(t *testing.T) {
	path := writeConfig(t, sample)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan struct{}, 4)
	require.NoError(t, Watch(ctx, path, testr.New(t), func() error {
		reloaded <- struct{}{}
		return nil
	}))

	require.NoError(t, os.WriteFile(path, []byte(sample+"\n# changed\n"), 0o644))
	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("reload not triggered")
	}
}
