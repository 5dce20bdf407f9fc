package app

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"gpsrecorder/go-location-agent/internal/locationfeed"
	"gpsrecorder/go-location-agent/internal/model"
	"gpsrecorder/go-location-agent/internal/reconciler"
	"gpsrecorder/go-location-agent/internal/status"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func (a *App) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.handleHealthz)
	r.Get("/readyz", a.handleReadyz)
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", a.handleStatus)
		r.Get("/queue", a.handleQueue)
		r.Post("/queue/sync", a.handleSync)
	})

	return r
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if a.store == nil || a.uploader == nil || a.scheduler == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	type fixView struct {
		model.Fix
		Cell       string    `json:"cell,omitempty"`
		ReceivedAt time.Time `json:"received_at"`
	}

	resp := struct {
		Status        status.Snapshot    `json:"status"`
		DeviceUUID    string             `json:"device_uuid"`
		LastFix       *fixView           `json:"last_fix"`
		QueueDepth    *int               `json:"queue_depth"`
		LastReconcile *reconciler.Report `json:"last_reconcile"`
	}{
		Status:        a.status.Snapshot(),
		DeviceUUID:    a.state.Device(),
		LastReconcile: a.lastReconcile(),
	}

	if fix, at := a.state.LastFix(); !at.IsZero() {
		resp.LastFix = &fixView{Fix: fix, Cell: locationfeed.Cell(fix), ReceivedAt: at}
	}

	if n, err := a.store.Count(ctx); err != nil {
		a.logger.Error("status: failed to count queue", "error", err)
	} else {
		resp.QueueDepth = &n
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleQueue(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	readings, err := a.store.ListAll(ctx)
	if err != nil {
		a.logger.Error("failed to list queued readings", "error", err)
		http.Error(w, "failed to load queue", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Readings []model.Reading `json:"readings"`
	}{Readings: readings})
}

func (a *App) handleSync(w http.ResponseWriter, r *http.Request) {
	if !a.scheduler.Trigger(taskReconcile) {
		http.Error(w, "reconciliation not scheduled", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, struct {
		Status string             `json:"status"`
		Report *reconciler.Report `json:"report"`
	}{Status: "triggered", Report: a.lastReconcile()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
