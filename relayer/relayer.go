// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package relayer

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultPollInterval = 10 * time.Second

// Relayer runs every configured link on its own goroutine until the context
// is canceled. A failing link is marked unhealthy and keeps ticking; it never
// stops the others.
type Relayer struct {
	logger *zap.Logger
	clock  clockwork.Clock
	links  []*Link
}

func NewRelayer(logger *zap.Logger, clock clockwork.Clock, links []*Link) *Relayer {
	return &Relayer{
		logger: logger,
		clock:  clock,
		links:  links,
	}
}

func (r *Relayer) Links() []*Link { return r.links }

func (r *Relayer) Run(ctx context.Context) error {
	errGroup, ctx := errgroup.WithContext(ctx)
	for _, link := range r.links {
		errGroup.Go(func() error {
			r.runLink(ctx, link)
			return nil
		})
	}
	r.logger.Info("Relayer started", zap.Int("links", len(r.links)))
	err := errGroup.Wait()
	r.logger.Info("Relayer stopped")
	return err
}

func (r *Relayer) runLink(ctx context.Context, link *Link) {
	interval := link.config.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		r.tick(ctx, link)
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
	}
}

func (r *Relayer) tick(ctx context.Context, link *Link) {
	result, err := link.Tick(ctx)
	if err != nil {
		if errIsContext(err) && ctx.Err() != nil {
			return
		}
		link.logger.Error("Link tick failed", zap.Error(err))
	}
	if len(result.Delivered) > 0 || len(result.Failed) > 0 {
		link.logger.Debug(
			"Link tick settled messages",
			zap.Int("delivered", len(result.Delivered)),
			zap.Int("failed", len(result.Failed)),
		)
	}
}

// HealthHandler reports 200 while every link is healthy and 503 otherwise,
// with the health of each link in the body.
func (r *Relayer) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		status := make(map[string]bool, len(r.links))
		healthy := true
		for _, link := range r.links {
			status[link.Name()] = link.Healthy()
			healthy = healthy && link.Healthy()
		}
		w.Header().Set("Content-Type", "application/json")
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(status); err != nil {
			r.logger.Error("Failed to write health response", zap.Error(err))
		}
	})
}
