package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/kiranshivaraju/droidqueue/internal/api/response"
	"github.com/kiranshivaraju/droidqueue/internal/cache"
	"github.com/kiranshivaraju/droidqueue/internal/device"
)

// devicesTTL is how long a device listing is served from the cache.
const devicesTTL = 5 * time.Second

// DeviceLister discovers attached devices. *device.ADB satisfies it.
type DeviceLister interface {
	Discover(ctx context.Context) []device.Device
}

// NewDevicesHandler returns the handler for GET /devices. Discovery is
// best-effort: failures produce an empty list. c may be nil.
func NewDevicesHandler(d DeviceLister, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if c != nil {
			var devs []device.Device
			if found, err := cache.GetJSON(ctx, c, cache.DevicesKey(), &devs); err == nil && found {
				response.JSON(w, devs)
				return
			}
		}

		devs := d.Discover(ctx)
		if c != nil {
			if err := cache.SetJSON(ctx, c, cache.DevicesKey(), devs, devicesTTL); err != nil {
				slog.Warn("caching device list failed", "error", err)
			}
		}
		response.JSON(w, devs)
	}
}
