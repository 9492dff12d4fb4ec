// Package app assembles the assistant from configuration and runs it.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"aura/internal/alerts"
	"aura/internal/api"
	"aura/internal/capability"
	"aura/internal/capture"
	"aura/internal/config"
	"aura/internal/engine"
	"aura/internal/events"
	"aura/internal/ingest"
	"aura/internal/logging"
	"aura/internal/metrics"
	"aura/internal/perception"
	"aura/internal/session"
	"aura/internal/storage"
	"aura/internal/voice"
)

type App struct {
	cfg     *config.Manager
	logger  *slog.Logger
	level   *slog.LevelVar
	version string

	store       storage.Store
	collectors  *metrics.Collectors
	registry    *prometheus.Registry
	broadcaster *events.Broadcaster
	hub         *events.Hub
	capture     capability.Capture
	speaker     *voice.Speaker
	faces       *perception.FaceRegistry
	controller  *session.Controller
	server      *api.Server
}

// OpenStore opens and migrates the configured store. A disabled store is nil.
func OpenStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	store, err := storage.NewStore(cfg)
	if err != nil || store == nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("init %s store: %w", cfg.Driver, err)
	}
	return store, nil
}

func Policy(cfg *config.Config) engine.Policy {
	return engine.Policy{
		CriticalRepeat:        cfg.Alerts.CriticalRepeatInterval,
		ImportantCooldown:     cfg.Alerts.ImportantCooldown,
		InformationalCooldown: cfg.Alerts.InformationalCooldown,
	}
}

func SessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		Scheduler: engine.SchedulerConfig{
			FrameSkip:         cfg.Detection.FrameSkip,
			TargetFPS:         cfg.Detection.TargetFPS,
			InactivityTimeout: cfg.Session.InactivityTimeout,
			NoFrameBackoff:    cfg.Session.NoFrameBackoff,
			ErrorBackoff:      cfg.Session.ErrorBackoff,
			Distance: engine.DistanceBands{
				VeryCloseRatio: cfg.Distance.VeryCloseRatio,
				CloseRatio:     cfg.Distance.CloseRatio,
				VeryCloseFeet:  cfg.Distance.VeryCloseFeet,
				CloseFeet:      cfg.Distance.CloseFeet,
				MediumFeet:     cfg.Distance.MediumFeet,
			},
		},
		StopTimeout:   cfg.Session.StopTimeout,
		ListenTimeout: cfg.Voice.ListenTimeout,
		PhraseLimit:   cfg.Voice.PhraseLimit,
		AutoDispatch:  cfg.Voice.AutoDispatch,
	}
}

// New builds every component. Network publishers that fail to connect are
// logged and skipped.
func New(ctx context.Context, mgr *config.Manager, logger *slog.Logger, level *slog.LevelVar, version string) (*App, error) {
	cfg := mgr.Get()
	a := &App{cfg: mgr, logger: logger, level: level, version: version}

	store, err := OpenStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	a.store = store

	if cfg.Metrics.Enabled {
		a.collectors = metrics.New(cfg.Metrics.Namespace)
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		if err := a.collectors.Register(a.registry); err != nil {
			a.Close()
			return nil, err
		}
	}

	a.broadcaster = events.NewBroadcaster(cfg.Broadcast.QueueSize, logger, a.collectors)
	a.addPublishers(cfg)

	client := perception.NewClient(cfg.Perception.URL, cfg.Perception.Timeout)
	a.faces = perception.NewFaceRegistry(client, faceStore(store), cfg.Faces.Tolerance, cfg.Faces.CenterBand)
	if err := a.faces.Load(ctx); err != nil {
		logger.Warn("known faces not loaded", "err", err)
	}
	a.capture = capture.New(cfg.Camera, logger)

	deps := session.Deps{
		Capture:  a.capture,
		Detector: perception.NewDetector(client, perception.RulesFromConfig(cfg.Detection)),
		Faces:    a.faces,
		Text:     perception.NewTextReader(client),
		Scene:    perception.NewSceneAI(cfg.Scene),
		Ledger:   engine.NewLedger(Policy(cfg)),
		History:  alerts.NewHistory(cfg.Alerts.HistoryLimit),
		Sink:     events.NewSink(store, a.broadcaster, logger, a.collectors),
		Logger:   logger,
	}
	if a.collectors != nil {
		deps.Metrics = a.collectors
	}
	if cfg.Voice.Enabled {
		a.speaker = voice.NewSpeaker(voice.NewCommandSynthesizer(cfg.Voice.TTSCommand), cfg.Voice.QueueSize, logger)
		deps.Speaker = a.speaker
		if len(cfg.Voice.STTCommand) > 0 {
			deps.Listener = voice.NewCommandListener(cfg.Voice.STTCommand)
		}
		if len(cfg.Voice.WakeWordCommand) > 0 {
			deps.Wake = voice.NewCommandWakeWord(cfg.Voice.WakeWordCommand, cfg.Voice.WakeWord, logger)
		}
	}
	a.controller = session.NewController(deps, SessionConfig(cfg))

	apiDeps := api.Deps{
		Config:  mgr,
		Session: a.controller,
		Faces:   a.faces,
		Frames:  a.capture,
		Logger:  logger,
		Version: version,
	}
	if store != nil {
		apiDeps.Records = store
	}
	if a.hub != nil {
		apiDeps.Live = a.hub
		apiDeps.Clients = a.hub.ClientCount
	}
	if a.registry != nil {
		apiDeps.Metrics = promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})
	}
	a.server = api.NewServer(apiDeps)
	return a, nil
}

func faceStore(store storage.Store) perception.FaceStore {
	if store == nil {
		return nil
	}
	return store
}

func (a *App) addPublishers(cfg *config.Config) {
	b := cfg.Broadcast
	if b.WebSocket.Enabled {
		a.hub = events.NewHub(a.logger)
		a.broadcaster.Add(a.hub)
	}
	if b.Kafka.Enabled {
		a.broadcaster.Add(events.NewKafkaPublisher(b.Kafka.Brokers, b.Kafka.Topic))
	}
	if b.MQTT.Enabled {
		p, err := events.NewMQTTPublisher(b.MQTT.Broker, b.MQTT.ClientID, b.MQTT.Topic, b.MQTT.QoS, a.logger)
		if err != nil {
			a.logger.Error("mqtt publisher unavailable", "broker", b.MQTT.Broker, "err", err)
		} else {
			a.broadcaster.Add(p)
		}
	}
	if b.AMQP.Enabled {
		p, err := events.NewAMQPPublisher(b.AMQP.URL, b.AMQP.Exchange, b.AMQP.RoutingKey)
		if err != nil {
			a.logger.Error("amqp publisher unavailable", "exchange", b.AMQP.Exchange, "err", err)
		} else {
			a.broadcaster.Add(p)
		}
	}
}

func (a *App) Controller() *session.Controller { return a.controller }

func (a *App) Handler() http.Handler { return a.server.Handler() }

// Run serves until ctx is cancelled, then stops any session and drains the
// broadcaster.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go a.broadcaster.Run(runCtx)
	if a.speaker != nil {
		go a.speaker.Run(runCtx)
	}

	commands := make(chan ingest.Command, 64)
	go ingest.Dispatch(runCtx, commands, a.controller, a.logger)
	ingest.StartTCPStream(runCtx, a.cfg, commands, a.logger)
	ingest.StartKafka(runCtx, a.cfg, commands, a.logger)

	stopWatch := make(chan struct{})
	if a.cfg.Path() != "" {
		go a.cfg.Watch(3*time.Second, a.applyReload, func(err error) {
			a.logger.Warn("config reload failed", "err", err)
		}, stopWatch)
	}

	api.Start(runCtx, a.server, a.logger)
	a.logger.Info("aura running", "version", a.version)

	<-ctx.Done()
	close(stopWatch)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	a.controller.Shutdown(shutdownCtx)
	cancel()
	select {
	case <-a.broadcaster.Done():
	case <-shutdownCtx.Done():
		a.logger.Warn("broadcaster did not drain before shutdown")
	}
	return a.Close()
}

// applyReload refreshes what can change without a restart: log level,
// admission policy and timings for the next session.
func (a *App) applyReload(cfg *config.Config) {
	if a.level != nil {
		a.level.Set(logging.ParseLevel(cfg.LogLevel))
	}
	a.controller.Ledger().UpdatePolicy(Policy(cfg))
	a.controller.UpdateConfig(SessionConfig(cfg))
	a.logger.Info("config reloaded", "path", a.cfg.Path())
}

func (a *App) Close() error {
	if a.store != nil {
		return a.store.Close()
	}
	return nil
}
