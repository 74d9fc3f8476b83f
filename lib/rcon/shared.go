package rcon

import (
	"context"

	"github.com/snowmerak/plughost/lib/shared"
)

// Namespace is the shared object namespace the worker serves its Battlefield under.
const Namespace = "battlefield"

// Interface is the shared binding of Battlefield.
var Interface = &shared.Interface[Battlefield]{
	Name: "Battlefield",
	Methods: map[string]shared.Invoker[Battlefield]{
		"connect": func(ctx context.Context, bf Battlefield, _ shared.Args) (any, error) {
			return nil, bf.Connect(ctx)
		},
		"serverInfo": func(ctx context.Context, bf Battlefield, _ shared.Args) (any, error) {
			return bf.ServerInfo(ctx)
		},
		"players": func(ctx context.Context, bf Battlefield, _ shared.Args) (any, error) {
			return bf.Players(ctx)
		},
		"command": func(ctx context.Context, bf Battlefield, args shared.Args) (any, error) {
			var words []string
			if err := args.Decode(0, &words); err != nil {
				return nil, err
			}
			return bf.Command(ctx, words...)
		},
	},
	Proxy: func(c shared.Caller) Battlefield { return &stub{c} },
}

type stub struct{ c shared.Caller }

func (s *stub) Connect(ctx context.Context) error {
	_, err := s.c.Call(ctx, "connect")
	return err
}

func (s *stub) ServerInfo(ctx context.Context) (ServerInfo, error) {
	return shared.Invoke[ServerInfo](ctx, s.c, "serverInfo")
}

func (s *stub) Players(ctx context.Context) ([]Player, error) {
	return shared.Invoke[[]Player](ctx, s.c, "players")
}

func (s *stub) Command(ctx context.Context, words ...string) ([]string, error) {
	return shared.Invoke[[]string](ctx, s.c, "command", words)
}
