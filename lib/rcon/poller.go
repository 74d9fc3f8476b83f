package rcon

import (
	"context"
	"slices"
	"time"

	"github.com/go-logr/logr"
	"github.com/robinbraemer/event"
	"github.com/zyedidia/generic/mapset"
)

// ServerInfoEvent is fired with every polled server snapshot.
type ServerInfoEvent struct {
	Info ServerInfo
}

// PlayerListEvent is fired with every polled player list.
type PlayerListEvent struct {
	Players []Player
	Joined  []string
	Left    []string
}

// Poller periodically reads a Battlefield and fires its state as events.
type Poller struct {
	Battlefield Battlefield
	Events      event.Manager
	Interval    time.Duration
	Log         logr.Logger

	known mapset.Set[string]
}

const DefaultPollInterval = 5 * time.Second

// Run polls until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		p.Poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll reads the server once and fires the resulting events.
func (p *Poller) Poll(ctx context.Context) {
	info, err := p.Battlefield.ServerInfo(ctx)
	if err != nil {
		p.Log.V(1).Info("server info poll failed", "error", err.Error())
		return
	}
	p.Events.Fire(&ServerInfoEvent{Info: info})

	players, err := p.Battlefield.Players(ctx)
	if err != nil {
		p.Log.V(1).Info("player poll failed", "error", err.Error())
		return
	}
	p.Events.Fire(p.diff(players))
}

func (p *Poller) diff(players []Player) *PlayerListEvent {
	current := mapset.New[string]()
	e := &PlayerListEvent{Players: players}
	for _, pl := range players {
		current.Put(pl.Name)
		if !p.known.Has(pl.Name) {
			e.Joined = append(e.Joined, pl.Name)
		}
	}
	p.known.Each(func(name string) {
		if !current.Has(name) {
			e.Left = append(e.Left, name)
		}
	})
	slices.Sort(e.Left)
	p.known = current
	return e
}
