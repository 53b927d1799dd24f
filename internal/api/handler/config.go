package handler

import (
	"errors"
	"io/fs"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/droidqueue/internal/api/response"
	"github.com/kiranshivaraju/droidqueue/internal/scheduler"
)

// NewCyclesHandler returns the handler for GET /config/cycles.
func NewCyclesHandler(path string) http.HandlerFunc {
	return configView(path, func(f *scheduler.File) any { return f.Cycles })
}

// NewSchedulesHandler returns the handler for GET /config/schedules.
func NewSchedulesHandler(path string) http.HandlerFunc {
	return configView(path, func(f *scheduler.File) any { return f.Schedules })
}

// configView reads the schedule file on every request so edits are
// visible without a restart. A missing file reads as empty.
func configView(path string, pick func(*scheduler.File) any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := scheduler.LoadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			f, err = scheduler.Parse(nil)
		}
		if err != nil {
			slog.Warn("reading schedule file failed", "path", path, "error", err)
			response.Error(w, http.StatusInternalServerError, "CONFIG_ERROR",
				"Schedule file could not be read", nil)
			return
		}
		response.JSON(w, pick(f))
	}
}
