package config

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/knadh/koanf/providers/file"
)

const debounceDuration = 100 * time.Millisecond

// Watch calls reload after path changed, coalescing bursts of writes,
// until ctx is done.
func Watch(ctx context.Context, path string, log logr.Logger, reload func() error) error {
	if ctx.Err() != nil {
		return nil
	}
	log = log.WithValues("path", path)

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	provider := file.Provider(path)
	err := provider.Watch(func(_ any, err error) {
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Info("failed watching config", "error", err)
			return
		}

		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounceDuration, func() {
			mu.Lock()
			defer mu.Unlock()

			log.Info("reloading config")
			start := time.Now()
			if err := reload(); err != nil {
				log.Info("failed to reload config", "error", err)
				return
			}
			log.Info("reloaded config", "duration", time.Since(start).Round(time.Millisecond).String())
		})
	})
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		_ = provider.Unwatch()
	}()
	return nil
}
