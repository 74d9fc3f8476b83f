package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/snowmerak/plughost/lib/messenger"
	"github.com/snowmerak/plughost/lib/shared"
)

// Namespace returns the shared object namespace of a plugin's store.
func Namespace(plugin string) string { return "store/" + plugin }

// Interface is the shared binding of Store.
var Interface = &shared.Interface[Store]{
	Name: "Store",
	Methods: map[string]shared.Invoker[Store]{
		"get": func(ctx context.Context, s Store, args shared.Args) (any, error) {
			var key string
			if err := args.Decode(0, &key); err != nil {
				return nil, err
			}
			return s.Get(ctx, key)
		},
		"set": func(ctx context.Context, s Store, args shared.Args) (any, error) {
			var key string
			if err := args.Decode(0, &key); err != nil {
				return nil, err
			}
			var value json.RawMessage
			if err := args.Decode(1, &value); err != nil {
				return nil, err
			}
			return nil, s.Set(ctx, key, value)
		},
		"delete": func(ctx context.Context, s Store, args shared.Args) (any, error) {
			var key string
			if err := args.Decode(0, &key); err != nil {
				return nil, err
			}
			return nil, s.Delete(ctx, key)
		},
		"keys": func(ctx context.Context, s Store, _ shared.Args) (any, error) {
			return s.Keys(ctx)
		},
	},
	Proxy: func(c shared.Caller) Store { return &stub{c} },
}

type stub struct{ c shared.Caller }

// notFound maps the owner's ErrNotFound back to the sentinel.
func notFound(err error) error {
	var remote *messenger.RemoteError
	if errors.As(err, &remote) && remote.Message == ErrNotFound.Error() {
		return ErrNotFound
	}
	return err
}

func (s *stub) Get(ctx context.Context, key string) (json.RawMessage, error) {
	raw, err := s.c.Call(ctx, "get", key)
	if err != nil {
		return nil, notFound(err)
	}
	return raw, nil
}

func (s *stub) Set(ctx context.Context, key string, value any) error {
	_, err := s.c.Call(ctx, "set", key, value)
	return err
}

func (s *stub) Delete(ctx context.Context, key string) error {
	_, err := s.c.Call(ctx, "delete", key)
	return err
}

func (s *stub) Keys(ctx context.Context) ([]string, error) {
	return shared.Invoke[[]string](ctx, s.c, "keys")
}
