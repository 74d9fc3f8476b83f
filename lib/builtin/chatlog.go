package builtin

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/snowmerak/plughost/lib/plugin"
)

const ChatlogName = "chatlog"

// ChatLog keeps the most recent chat lines of a server.
type ChatLog struct {
	mu    sync.Mutex
	lines []Line
	limit int
}

// Line is one chat line.
type Line struct {
	At     time.Time `json:"at"`
	Player string    `json:"player"`
	Text   string    `json:"text"`
}

func newChatLog(limit int) *ChatLog {
	if limit <= 0 {
		limit = 100
	}
	return &ChatLog{limit: limit}
}

// Append records a line, dropping the oldest beyond the history limit.
func (c *ChatLog) Append(player, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, Line{At: time.Now().UTC(), Player: player, Text: text})
	if over := len(c.lines) - c.limit; over > 0 {
		c.lines = append([]Line(nil), c.lines[over:]...)
	}
}

func (c *ChatLog) Lines() []Line {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Line(nil), c.lines...)
}

func (c *ChatLog) setLimit(limit int) {
	if limit <= 0 {
		return
	}
	c.mu.Lock()
	c.limit = limit
	c.mu.Unlock()
}

func intConfig(cfg map[string]any, key string, def int) int {
	switch v := cfg[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// Chatlog records chat lines and serves them over routes.
//
//	GET  /status    plugin health
//	GET  /messages  recorded lines
//	POST /messages  {"player": "...", "text": "..."}
func Chatlog(ctx context.Context, env *plugin.Env) (any, error) {
	log := newChatLog(intConfig(env.Config, "history", 100))
	started := time.Now()

	env.OnConfigChange(func(cfg map[string]any) {
		log.setLimit(intConfig(cfg, "history", 0))
	})

	env.Router.Get("/status", func(ctx context.Context, req *plugin.RouteRequest) (*plugin.RouteResponse, error) {
		return plugin.JSON(http.StatusOK, map[string]any{
			"status":   "ok",
			"plugin":   env.Name,
			"version":  env.Version,
			"instance": env.Engine.InstanceID(),
			"messages": len(log.Lines()),
			"uptime":   time.Since(started).Round(time.Second).String(),
		}), nil
	})

	env.Router.Get("/messages", func(ctx context.Context, req *plugin.RouteRequest) (*plugin.RouteResponse, error) {
		return plugin.JSON(http.StatusOK, log.Lines()), nil
	})

	env.Router.Post("/messages", func(ctx context.Context, req *plugin.RouteRequest) (*plugin.RouteResponse, error) {
		var in struct {
			Player string `json:"player"`
			Text   string `json:"text"`
		}
		if err := req.Decode(&in); err != nil || in.Text == "" {
			return plugin.JSON(http.StatusBadRequest, map[string]string{"error": "text is required"}), nil
		}
		log.Append(in.Player, in.Text)
		if err := env.Store.Set(ctx, "lastMessage", in); err != nil {
			env.Logger.Error(err, "failed to persist last message")
		}
		return plugin.JSON(http.StatusCreated, nil), nil
	})

	env.OnStop(func(ctx context.Context) error {
		env.Logger.Info("chatlog stopped", "messages", len(log.Lines()))
		return nil
	})

	env.Logger.Info("chatlog started", "history", log.limit)
	return log, nil
}
