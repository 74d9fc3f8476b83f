package rcon

import (
	"context"
	"slices"
	"strings"
	"sync"
)

// Static is an in-memory Battlefield whose state is set by its owner.
// Commands are recorded and answered with "OK".
type Static struct {
	mu       sync.RWMutex
	info     ServerInfo
	players  []Player
	commands [][]string
}

var _ Battlefield = (*Static)(nil)

func NewStatic(info ServerInfo, players ...Player) *Static {
	s := &Static{info: info}
	s.SetPlayers(players...)
	return s
}

func (s *Static) Connect(context.Context) error { return nil }

func (s *Static) ServerInfo(context.Context) (ServerInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info, nil
}

func (s *Static) Players(context.Context) ([]Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.players), nil
}

func (s *Static) Command(_ context.Context, words ...string) ([]string, error) {
	s.mu.Lock()
	s.commands = append(s.commands, slices.Clone(words))
	s.mu.Unlock()
	return []string{"OK"}, nil
}

// SetPlayers replaces the player list and updates the player count.
func (s *Static) SetPlayers(players ...Player) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.players = slices.Clone(players)
	s.info.Players = len(players)
}

func (s *Static) SetInfo(info ServerInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info.Players = len(s.players)
	s.info = info
}

// Commands returns the recorded commands, space joined.
func (s *Static) Commands() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.commands))
	for i, words := range s.commands {
		out[i] = strings.Join(words, " ")
	}
	return out
}
