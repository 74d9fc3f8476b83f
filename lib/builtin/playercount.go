package builtin

import (
	"context"
	"fmt"
	"net/http"

	"github.com/robinbraemer/event"

	"github.com/snowmerak/plughost/lib/plugin"
	"github.com/snowmerak/plughost/lib/rcon"
)

const PlayerCountName = "playercount"

// PlayerCount reports the players on the game server and writes joins
// and leaves into the chat log.
//
//	GET /players  current player list from the game server
func PlayerCount(ctx context.Context, env *plugin.Env) (any, error) {
	dep, ok := env.Dep(ChatlogName)
	if !ok {
		return nil, fmt.Errorf("%s requires %s", PlayerCountName, ChatlogName)
	}
	chat, ok := dep.(*ChatLog)
	if !ok {
		return nil, fmt.Errorf("unexpected %s exports %T", ChatlogName, dep)
	}

	env.Subscribe(event.Subscribe(env.Events, 0, func(e *rcon.PlayerListEvent) {
		for _, name := range e.Joined {
			chat.Append("server", name+" joined")
		}
		for _, name := range e.Left {
			chat.Append("server", name+" left")
		}
	}))

	env.Router.Get("/players", func(ctx context.Context, req *plugin.RouteRequest) (*plugin.RouteResponse, error) {
		players, err := env.Battlefield.Players(ctx)
		if err != nil {
			return plugin.JSON(http.StatusServiceUnavailable, map[string]string{"error": err.Error()}), nil
		}
		return plugin.JSON(http.StatusOK, map[string]any{
			"count":   len(players),
			"players": players,
		}), nil
	})

	return nil, nil
}
