package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"gpsrecorder/go-location-agent/internal/config"
	"gpsrecorder/go-location-agent/internal/identity"
	"gpsrecorder/go-location-agent/internal/locationfeed"
	"gpsrecorder/go-location-agent/internal/metrics"
	"gpsrecorder/go-location-agent/internal/mqtt"
	"gpsrecorder/go-location-agent/internal/reconciler"
	"gpsrecorder/go-location-agent/internal/scheduler"
	"gpsrecorder/go-location-agent/internal/state"
	"gpsrecorder/go-location-agent/internal/status"
	"gpsrecorder/go-location-agent/internal/store"
	"gpsrecorder/go-location-agent/internal/uploader"

	"github.com/grandcat/zeroconf"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	taskRealtime  = "realtime"
	taskReconcile = "reconcile"
)

// App wires together the agent's components and manages their lifecycle.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	ctx        context.Context
	store      *store.Store
	state      *state.State
	status     *status.Board
	uploader   *uploader.Uploader
	reconciler *reconciler.Reconciler
	scheduler  *scheduler.Scheduler
	mqtt       *mqtt.Client
	mdns       *zeroconf.Server

	reportMu   sync.Mutex
	lastReport *reconciler.Report
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	a.setup(ctx)
	defer a.teardown()

	a.reconcile()
	a.scheduler.Start()

	httpErrCh := make(chan error, 1)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler: a.routes(),
	}
	go func() {
		a.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var metricsServer *http.Server
	if a.cfg.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: fmt.Sprintf(":%d", a.cfg.MetricsPort), Handler: mux}
		go func() {
			a.logger.Info("metrics server started", "addr", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics server", "error", err)
			}
		}()
	}

	if a.cfg.AdvertiseMDNS {
		if err := a.startMDNS(a.cfg.HTTPPort); err != nil {
			a.logger.Warn("mDNS advertisement failed", "error", err)
		}
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-httpErrCh:
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.scheduler.Stop(shutdownCtx); err != nil {
		a.logger.Warn("scheduler did not stop cleanly", "error", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("http server shutdown: %w", err)
	}
	a.logger.Info("http server stopped")
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	return runErr
}

// setup builds every component. Failures of the queue store, identity source
// or MQTT broker are logged and the agent continues with reduced function.
func (a *App) setup(ctx context.Context) {
	a.ctx = ctx
	metrics.Register()

	a.status = status.NewBoard(a.logger)

	db, err := store.Open(a.cfg.DatabasePath)
	if err != nil {
		a.logger.Error("failed to open queue store", "path", a.cfg.DatabasePath, "error", err)
	}
	a.store = db
	if err := a.store.InitSchema(ctx); err != nil {
		a.logger.Error("failed to initialise queue store", "error", err)
	} else {
		a.logger.Info("queue store initialised", "path", a.cfg.DatabasePath)
	}

	deviceID, err := identity.Resolve(ctx, a.cfg.DeviceUUID, a.store)
	if err != nil {
		a.logger.Error("failed to resolve device id", "error", err)
	}
	a.status.SetDevice(identity.StatusLine(deviceID, err))
	a.state = state.New(deviceID)

	if a.cfg.MQTTBroker != "" {
		a.connectMQTT(deviceID)
	}

	a.uploader = uploader.New(uploader.Options{
		Endpoint:     a.cfg.Endpoint,
		APIKey:       a.cfg.APIKey,
		APIKeyHeader: a.cfg.APIKeyHeader,
		Timeout:      a.cfg.UploadTimeout,
		Queue:        a.store,
		Status:       a.status,
		Logger:       a.logger.With("component", "uploader"),
	})
	a.reconciler = reconciler.New(a.store, a.uploader, a.logger.With("component", "reconciler"))

	a.scheduler = scheduler.New(a.logger.With("component", "scheduler"))
	if err := a.scheduler.Add(taskRealtime, a.cfg.RealtimeInterval, a.uploadRealtime); err != nil {
		a.logger.Error("failed to schedule real-time upload", "error", err)
	}
	if err := a.scheduler.Add(taskReconcile, a.cfg.SyncInterval, a.reconcile); err != nil {
		a.logger.Error("failed to schedule reconciliation", "error", err)
	}
}

func (a *App) connectMQTT(deviceID string) {
	client, err := mqtt.Connect(a.cfg.MQTTBroker, "gpsrecorder-agent-"+deviceID, a.logger.With("component", "mqtt"))
	if err != nil {
		a.logger.Error("mqtt unavailable, location feed disabled", "broker", a.cfg.MQTTBroker, "error", err)
		a.status.SetGPS(fmt.Sprintf("Error starting GPS: %v", err))
		return
	}
	a.mqtt = client

	feed := locationfeed.New(a.state, a.status, a.logger.With("component", "locationfeed"))
	if err := feed.Subscribe(client, a.cfg.MQTTTopicPrefix); err != nil {
		a.logger.Error("location feed subscribe failed", "error", err)
		a.status.SetGPS(fmt.Sprintf("Error starting GPS: %v", err))
	}

	a.status.SetPublisher(statusPublisher{
		client: client,
		topic:  fmt.Sprintf("%s/%s/status", a.cfg.MQTTTopicPrefix, deviceID),
	})
}

func (a *App) teardown() {
	if a.uploader != nil {
		done := make(chan struct{})
		go func() {
			a.uploader.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(a.cfg.UploadTimeout + time.Second):
			a.logger.Warn("in-flight uploads still running at shutdown")
		}
	}

	a.stopMDNS()
	a.mqtt.Close()

	if err := a.store.Close(); err != nil {
		a.logger.Error("close store", "error", err)
	}
}

func (a *App) uploadRealtime() {
	r := a.state.Realtime(time.Now())
	a.logger.Info("real-time reading prepared", "reading_datetime", r.ReadingDatetime)
	a.uploader.Upload(a.ctx, r)
}

func (a *App) reconcile() {
	report := a.reconciler.ReconcilePending(a.ctx)
	a.reportMu.Lock()
	a.lastReport = &report
	a.reportMu.Unlock()
}

func (a *App) lastReconcile() *reconciler.Report {
	a.reportMu.Lock()
	defer a.reportMu.Unlock()
	if a.lastReport == nil {
		return nil
	}
	r := *a.lastReport
	return &r
}

type statusPublisher struct {
	client *mqtt.Client
	topic  string
}

func (p statusPublisher) PublishStatus(s status.Snapshot) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	return p.client.Publish(p.topic, true, payload)
}
