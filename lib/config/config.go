// Package config loads the host configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/viper"

	"github.com/snowmerak/plughost/lib/messenger"
	"github.com/snowmerak/plughost/lib/protocol"
	"github.com/snowmerak/plughost/lib/rcon"
	"github.com/snowmerak/plughost/lib/worker"
)

// DefaultFile is read when no config file is given.
const DefaultFile = "plughost.yml"

// EnvPrefix prefixes the environment variables overriding config keys.
const EnvPrefix = "PLUGHOST"

// Config is the configuration of the host.
type Config struct {
	Debug     bool       `mapstructure:"debug"`
	PluginDir string     `mapstructure:"pluginDir"`
	Codec     string     `mapstructure:"codec"`
	Worker    Worker     `mapstructure:"worker"`
	Instances []Instance `mapstructure:"instances"`
}

// Worker configures the worker processes.
type Worker struct {
	// Executable is re-executed in worker mode; the running binary if empty.
	Executable string `mapstructure:"executable"`
	// SocketDir switches the worker channel from stdio to unix sockets.
	SocketDir        string        `mapstructure:"socketDir"`
	InProcess        bool          `mapstructure:"inProcess"`
	ReadyTimeout     time.Duration `mapstructure:"readyTimeout"`
	RequestTimeout   time.Duration `mapstructure:"requestTimeout"`
	BootstrapTimeout time.Duration `mapstructure:"bootstrapTimeout"`
	StopGrace        time.Duration `mapstructure:"stopGrace"`
	// LogRate is the plugin log lines per second accepted per plugin.
	LogRate  float64 `mapstructure:"logRate"`
	LogBurst int     `mapstructure:"logBurst"`
}

// Instance is one game server.
type Instance struct {
	ID      string            `mapstructure:"id"`
	RCON    rcon.Options      `mapstructure:"rcon"`
	Plugins map[string]Plugin `mapstructure:"plugins"`
}

// Plugin configures a plugin on an instance.
type Plugin struct {
	// Enabled defaults to true.
	Enabled     *bool          `mapstructure:"enabled"`
	Config      map[string]any `mapstructure:"config"`
	Permissions []string       `mapstructure:"permissions"`
}

func (p Plugin) IsEnabled() bool { return p.Enabled == nil || *p.Enabled }

// PluginConfigs returns the config of every enabled plugin of i.
func (i Instance) PluginConfigs() map[string]map[string]any {
	out := make(map[string]map[string]any, len(i.Plugins))
	for name, p := range i.Plugins {
		if p.IsEnabled() {
			out[name] = p.Config
		}
	}
	return out
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("pluginDir", "plugins")
	v.SetDefault("codec", protocol.CodecBinary)
	v.SetDefault("worker.readyTimeout", messenger.DefaultReadyTimeout)
	v.SetDefault("worker.requestTimeout", messenger.DefaultRequestTimeout)
	v.SetDefault("worker.bootstrapTimeout", worker.DefaultBootstrapTimeout)
	v.SetDefault("worker.stopGrace", 3*time.Second)
	v.SetDefault("worker.logRate", 100)
	v.SetDefault("worker.logBurst", 200)
}

// Load reads path, or DefaultFile when path is empty, and applies
// environment overrides such as PLUGHOST_DEBUG. A missing DefaultFile is
// not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("error reading config file %q: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return &c, nil
}

// NewValid validates c, logging warnings, and fails on errors.
func NewValid(c *Config, log logr.Logger) (*Config, error) {
	if c == nil {
		return nil, errors.New("config must not be nil")
	}
	warns, errs := Validate(c)
	if len(errs) != 0 {
		for _, err := range errs {
			log.Error(err, "config error")
		}
		a, s := "are", "s"
		if len(errs) == 1 {
			a, s = "is", ""
		}
		return nil, fmt.Errorf("there %s %d config validation error%s", a, len(errs), s)
	}
	for _, w := range warns {
		log.Info(w.Error())
	}
	return c, nil
}

var qualifiedName = regexp.MustCompile(`^[a-zA-Z0-9]([-a-zA-Z0-9_.]*[a-zA-Z0-9])?$`)

// Validate returns the warnings and errors of c.
func Validate(c *Config) (warns []error, errs []error) {
	e := func(m string, args ...any) { errs = append(errs, fmt.Errorf(m, args...)) }
	w := func(m string, args ...any) { warns = append(warns, fmt.Errorf(m, args...)) }

	if _, err := protocol.CodecByName(c.Codec); err != nil {
		e("invalid codec %q: %v", c.Codec, err)
	}
	if c.Worker.ReadyTimeout <= 0 {
		e("worker.readyTimeout must be positive")
	}
	if c.Worker.RequestTimeout <= 0 {
		e("worker.requestTimeout must be positive")
	}
	if c.Worker.BootstrapTimeout <= 0 {
		e("worker.bootstrapTimeout must be positive")
	} else if c.Worker.BootstrapTimeout < c.Worker.ReadyTimeout {
		w("worker.bootstrapTimeout %s is shorter than worker.readyTimeout %s", c.Worker.BootstrapTimeout, c.Worker.ReadyTimeout)
	}
	if c.Worker.LogRate <= 0 || c.Worker.LogBurst < 1 {
		e("worker.logRate and worker.logBurst must be positive")
	}
	if c.Worker.InProcess && c.Worker.SocketDir != "" {
		w("worker.socketDir is ignored for in-process workers")
	}

	if len(c.Instances) == 0 {
		w("no instances configured")
	}
	seen := make(map[string]bool, len(c.Instances))
	for i, inst := range c.Instances {
		if !qualifiedName.MatchString(inst.ID) {
			e("invalid id %q of instance %d", inst.ID, i)
		} else if seen[inst.ID] {
			e("duplicate instance id %q", inst.ID)
		}
		seen[inst.ID] = true

		if inst.RCON.Host == "" {
			w("instance %q has no rcon host, plugins will run offline", inst.ID)
		} else if err := inst.RCON.Validate(); err != nil {
			e("instance %q: %v", inst.ID, err)
		}
		for name, p := range inst.Plugins {
			if !qualifiedName.MatchString(name) {
				e("invalid plugin name %q on instance %q", name, inst.ID)
			}
			if !p.IsEnabled() && len(p.Permissions) != 0 {
				w("plugin %q on instance %q is disabled but has permissions", name, inst.ID)
			}
		}
	}
	return
}
