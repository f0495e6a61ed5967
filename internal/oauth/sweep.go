package oauth

import (
	"context"
	"log/slog"
	"time"

	"github.com/pi-cli/amp-proxy/internal/credstore"
)

const sweepInterval = 60 * time.Second

// RunRefreshSweep refreshes any stored token within 5 minutes of expiry
// every minute, so interactive requests rarely pay the refresh latency.
// Blocks until ctx is canceled.
func (e *Engine) RunRefreshSweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepOnce(ctx)
		}
	}
}

func (e *Engine) sweepOnce(ctx context.Context) {
	for _, p := range Providers {
		slots, err := e.store.GetAll(ctx, p.Name)
		if err != nil {
			slog.Warn("refresh sweep read failed", "provider", p.Name, "error", err)
			continue
		}
		for _, slot := range slots {
			if slot.Creds.RefreshToken == "" || !expiringSoon(slot.Creds) {
				continue
			}
			if _, err := e.Refresh(ctx, p, slot.Account); err != nil {
				slog.Warn("background refresh failed", "provider", p.Name, "account", slot.Account, "error", err)
			}
		}
	}
}

func expiringSoon(c *credstore.Credentials) bool {
	return time.Now().Add(expiryBuffer).UnixMilli() >= c.ExpiresAt
}
