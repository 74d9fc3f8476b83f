// Package rcon defines the game server remote-console capability plugins
// use, and the shared binding that lets the host reach it inside a worker.
package rcon

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

// ErrNotConnected is returned by capabilities without a live server connection.
var ErrNotConnected = errors.New("rcon: not connected")

// Options are the connection parameters of one game server.
type Options struct {
	Host     string `json:"host" yaml:"host" mapstructure:"host"`
	Port     int    `json:"port" yaml:"port" mapstructure:"port"`
	Password string `json:"-" yaml:"password" mapstructure:"password"`
}

// Address returns host:port.
func (o Options) Address() string {
	return o.Host + ":" + strconv.Itoa(o.Port)
}

func (o Options) Validate() error {
	if o.Host == "" {
		return errors.New("rcon host is empty")
	}
	if o.Port <= 0 || o.Port > 65535 {
		return fmt.Errorf("invalid rcon port %d", o.Port)
	}
	return nil
}

// ServerInfo is a snapshot of the game server state.
type ServerInfo struct {
	Name       string `json:"name"`
	Map        string `json:"map"`
	Mode       string `json:"mode"`
	Players    int    `json:"players"`
	MaxPlayers int    `json:"maxPlayers"`
	Round      int    `json:"round"`
}

// Player is one connected player.
type Player struct {
	Name   string `json:"name"`
	Team   int    `json:"team"`
	Squad  int    `json:"squad"`
	Kills  int    `json:"kills"`
	Deaths int    `json:"deaths"`
	Score  int    `json:"score"`
	Ping   int    `json:"ping"`
}

// Battlefield is the remote console of one game server.
// Implementations must be safe for concurrent use.
type Battlefield interface {
	Connect(ctx context.Context) error
	ServerInfo(ctx context.Context) (ServerInfo, error)
	Players(ctx context.Context) ([]Player, error)
	// Command sends a raw console command and returns its response words.
	Command(ctx context.Context, words ...string) ([]string, error)
}

// Offline is a Battlefield that never connects.
type Offline struct {
	Options Options
}

var _ Battlefield = Offline{}

func (o Offline) Connect(context.Context) error {
	return fmt.Errorf("%w: no console client for %s", ErrNotConnected, o.Options.Address())
}

func (Offline) ServerInfo(context.Context) (ServerInfo, error) { return ServerInfo{}, ErrNotConnected }

func (Offline) Players(context.Context) ([]Player, error) { return nil, ErrNotConnected }

func (Offline) Command(context.Context, ...string) ([]string, error) { return nil, ErrNotConnected }
