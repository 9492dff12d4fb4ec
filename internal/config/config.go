package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel   string           `json:"log_level" yaml:"log_level"`
	Camera     CameraConfig     `json:"camera" yaml:"camera"`
	Detection  DetectionConfig  `json:"detection" yaml:"detection"`
	Alerts     AlertsConfig     `json:"alerts" yaml:"alerts"`
	Distance   DistanceConfig   `json:"distance" yaml:"distance"`
	Session    SessionConfig    `json:"session" yaml:"session"`
	Voice      VoiceConfig      `json:"voice" yaml:"voice"`
	Perception PerceptionConfig `json:"perception" yaml:"perception"`
	Scene      SceneConfig      `json:"scene" yaml:"scene"`
	Faces      FacesConfig      `json:"faces" yaml:"faces"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	Broadcast  BroadcastConfig  `json:"broadcast" yaml:"broadcast"`
	Ingest     IngestConfig     `json:"ingest" yaml:"ingest"`
	API        APIConfig        `json:"api" yaml:"api"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
}

type CameraConfig struct {
	// Source is one of udp, http, none.
	Source       string        `json:"source" yaml:"source"`
	UDPAddr      string        `json:"udp_addr" yaml:"udp_addr"`
	SnapshotURL  string        `json:"snapshot_url" yaml:"snapshot_url"`
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
	MaxFrameSize int           `json:"max_frame_size" yaml:"max_frame_size"`
}

type DetectionConfig struct {
	FrameSkip            int      `json:"frame_skip" yaml:"frame_skip"`
	TargetFPS            float64  `json:"target_fps" yaml:"target_fps"`
	ConfidenceThreshold  float64  `json:"confidence_threshold" yaml:"confidence_threshold"`
	Classes              []string `json:"classes" yaml:"classes"`
	IgnoreClasses        []string `json:"ignore_classes" yaml:"ignore_classes"`
	CriticalClasses      []string `json:"critical_classes" yaml:"critical_classes"`
	VehicleClasses       []string `json:"vehicle_classes" yaml:"vehicle_classes"`
	VehicleCriticalRatio float64  `json:"vehicle_critical_ratio" yaml:"vehicle_critical_ratio"`
	PersonImportantRatio float64  `json:"person_important_ratio" yaml:"person_important_ratio"`
}

type AlertsConfig struct {
	CriticalRepeatInterval time.Duration `json:"critical_repeat_interval" yaml:"critical_repeat_interval"`
	ImportantCooldown      time.Duration `json:"important_cooldown" yaml:"important_cooldown"`
	InformationalCooldown  time.Duration `json:"informational_cooldown" yaml:"informational_cooldown"`
	HistoryLimit           int           `json:"history_limit" yaml:"history_limit"`
}

type DistanceConfig struct {
	VeryCloseRatio float64 `json:"very_close_ratio" yaml:"very_close_ratio"`
	CloseRatio     float64 `json:"close_ratio" yaml:"close_ratio"`
	VeryCloseFeet  float64 `json:"very_close_feet" yaml:"very_close_feet"`
	CloseFeet      float64 `json:"close_feet" yaml:"close_feet"`
	MediumFeet     float64 `json:"medium_feet" yaml:"medium_feet"`
}

type SessionConfig struct {
	InactivityTimeout time.Duration `json:"inactivity_timeout" yaml:"inactivity_timeout"`
	StopTimeout       time.Duration `json:"stop_timeout" yaml:"stop_timeout"`
	NoFrameBackoff    time.Duration `json:"no_frame_backoff" yaml:"no_frame_backoff"`
	ErrorBackoff      time.Duration `json:"error_backoff" yaml:"error_backoff"`
}

type VoiceConfig struct {
	Enabled         bool          `json:"enabled" yaml:"enabled"`
	TTSCommand      []string      `json:"tts_command" yaml:"tts_command"`
	STTCommand      []string      `json:"stt_command" yaml:"stt_command"`
	WakeWordCommand []string      `json:"wake_word_command" yaml:"wake_word_command"`
	WakeWord        string        `json:"wake_word" yaml:"wake_word"`
	ListenTimeout   time.Duration `json:"listen_timeout" yaml:"listen_timeout"`
	PhraseLimit     time.Duration `json:"phrase_limit" yaml:"phrase_limit"`
	QueueSize       int           `json:"queue_size" yaml:"queue_size"`
	AutoDispatch    bool          `json:"auto_dispatch" yaml:"auto_dispatch"`
}

type PerceptionConfig struct {
	URL     string        `json:"url" yaml:"url"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

type SceneConfig struct {
	APIKey             string        `json:"api_key" yaml:"api_key"`
	Model              string        `json:"model" yaml:"model"`
	Endpoint           string        `json:"endpoint" yaml:"endpoint"`
	RateLimitPerMinute int           `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
	CacheDuration      time.Duration `json:"cache_duration" yaml:"cache_duration"`
	CacheSize          int           `json:"cache_size" yaml:"cache_size"`
	Timeout            time.Duration `json:"timeout" yaml:"timeout"`
}

type FacesConfig struct {
	Tolerance  float64 `json:"tolerance" yaml:"tolerance"`
	CenterBand float64 `json:"center_band" yaml:"center_band"`
	UploadDir  string  `json:"upload_dir" yaml:"upload_dir"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

type BroadcastConfig struct {
	QueueSize int             `json:"queue_size" yaml:"queue_size"`
	WebSocket WebSocketConfig `json:"websocket" yaml:"websocket"`
	Kafka     KafkaOutConfig  `json:"kafka" yaml:"kafka"`
	MQTT      MQTTConfig      `json:"mqtt" yaml:"mqtt"`
	AMQP      AMQPConfig      `json:"amqp" yaml:"amqp"`
}

type WebSocketConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

type KafkaOutConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

type MQTTConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Broker   string `json:"broker" yaml:"broker"`
	ClientID string `json:"client_id" yaml:"client_id"`
	Topic    string `json:"topic" yaml:"topic"`
	QoS      byte   `json:"qos" yaml:"qos"`
}

type AMQPConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	URL        string `json:"url" yaml:"url"`
	Exchange   string `json:"exchange" yaml:"exchange"`
	RoutingKey string `json:"routing_key" yaml:"routing_key"`
}

type IngestConfig struct {
	TCPStream TCPStreamConfig `json:"tcp_stream" yaml:"tcp_stream"`
	Kafka     KafkaConfig     `json:"kafka" yaml:"kafka"`
}

type TCPStreamConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Camera: CameraConfig{
			Source:       "udp",
			UDPAddr:      ":8888",
			PollInterval: 66 * time.Millisecond,
			MaxFrameSize: 2 << 20,
		},
		Detection: DetectionConfig{
			FrameSkip:            2,
			TargetFPS:            15,
			ConfidenceThreshold:  0.25,
			CriticalClasses:      []string{"fire", "smoke"},
			VehicleClasses:       []string{"car", "truck", "bus"},
			VehicleCriticalRatio: 0.3,
			PersonImportantRatio: 0.2,
		},
		Alerts: AlertsConfig{
			CriticalRepeatInterval: 3 * time.Second,
			ImportantCooldown:      30 * time.Second,
			InformationalCooldown:  10 * time.Second,
			HistoryLimit:           100,
		},
		Distance: DistanceConfig{
			VeryCloseRatio: 0.5,
			CloseRatio:     0.25,
			VeryCloseFeet:  3,
			CloseFeet:      6,
			MediumFeet:     10,
		},
		Session: SessionConfig{
			InactivityTimeout: 15 * time.Minute,
			StopTimeout:       3 * time.Second,
			NoFrameBackoff:    100 * time.Millisecond,
			ErrorBackoff:      100 * time.Millisecond,
		},
		Voice: VoiceConfig{
			Enabled:       true,
			TTSCommand:    []string{"espeak-ng", "-s", "160"},
			WakeWord:      "hey aura",
			ListenTimeout: 3 * time.Second,
			PhraseLimit:   5 * time.Second,
			QueueSize:     32,
			AutoDispatch:  true,
		},
		Perception: PerceptionConfig{URL: "http://127.0.0.1:8500", Timeout: 5 * time.Second},
		Scene: SceneConfig{
			Model:              "gemini-1.5-flash",
			Endpoint:           "https://generativelanguage.googleapis.com/v1beta",
			RateLimitPerMinute: 15,
			CacheDuration:      10 * time.Second,
			CacheSize:          32,
			Timeout:            15 * time.Second,
		},
		Faces:   FacesConfig{Tolerance: 0.6, CenterBand: 0.15, UploadDir: "uploads/faces"},
		Storage: StorageConfig{Enabled: true, Driver: "sqlite", DSN: "file:aura.db?_pragma=busy_timeout(5000)"},
		Broadcast: BroadcastConfig{
			QueueSize: 256,
			WebSocket: WebSocketConfig{Enabled: true},
			MQTT:      MQTTConfig{ClientID: "aura", Topic: "aura/events"},
			AMQP:      AMQPConfig{Exchange: "aura.events", RoutingKey: "events"},
		},
		Ingest: IngestConfig{
			TCPStream: TCPStreamConfig{Enabled: false, Addr: ":9000"},
		},
		API:     APIConfig{Enabled: true, Addr: ":5000"},
		Metrics: MetricsConfig{Enabled: true, Namespace: "aura"},
	}
}

// Load decodes path over DefaultConfig and applies the environment overlay.
// An empty path yields defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil {
			return nil, err
		}
		trimmed := strings.TrimSpace(string(content))
		if len(trimmed) == 0 {
			return nil, errors.New("config file is empty")
		}
		var decodeErr error
		if looksLikeJSON(trimmed) {
			decodeErr = json.Unmarshal([]byte(trimmed), cfg)
		} else {
			decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
		}
		if decodeErr != nil {
			return nil, decodeErr
		}
	}
	applyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Detection.FrameSkip <= 0 {
		cfg.Detection.FrameSkip = 1
	}
	if cfg.Detection.TargetFPS <= 0 {
		cfg.Detection.TargetFPS = def.Detection.TargetFPS
	}
	if cfg.Alerts.HistoryLimit <= 0 {
		cfg.Alerts.HistoryLimit = def.Alerts.HistoryLimit
	}
	if cfg.Session.StopTimeout <= 0 {
		cfg.Session.StopTimeout = def.Session.StopTimeout
	}
	if cfg.Session.NoFrameBackoff <= 0 {
		cfg.Session.NoFrameBackoff = def.Session.NoFrameBackoff
	}
	if cfg.Session.ErrorBackoff <= 0 {
		cfg.Session.ErrorBackoff = def.Session.ErrorBackoff
	}
	if cfg.Voice.QueueSize <= 0 {
		cfg.Voice.QueueSize = def.Voice.QueueSize
	}
	if cfg.Voice.WakeWord == "" {
		cfg.Voice.WakeWord = def.Voice.WakeWord
	}
	if cfg.Scene.CacheSize <= 0 {
		cfg.Scene.CacheSize = def.Scene.CacheSize
	}
	if cfg.Scene.Timeout <= 0 {
		cfg.Scene.Timeout = def.Scene.Timeout
	}
	if cfg.Perception.Timeout <= 0 {
		cfg.Perception.Timeout = def.Perception.Timeout
	}
	if cfg.Faces.CenterBand <= 0 {
		cfg.Faces.CenterBand = def.Faces.CenterBand
	}
	if cfg.Broadcast.QueueSize <= 0 {
		cfg.Broadcast.QueueSize = def.Broadcast.QueueSize
	}
	if cfg.Camera.PollInterval <= 0 {
		cfg.Camera.PollInterval = def.Camera.PollInterval
	}
	if cfg.Camera.MaxFrameSize <= 0 {
		cfg.Camera.MaxFrameSize = def.Camera.MaxFrameSize
	}
	cfg.Camera.Source = strings.ToLower(strings.TrimSpace(cfg.Camera.Source))
	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	switch cfg.Camera.Source {
	case "udp":
		if cfg.Camera.UDPAddr == "" {
			return errors.New("camera.udp_addr required when camera.source is udp")
		}
	case "http":
		if cfg.Camera.SnapshotURL == "" {
			return errors.New("camera.snapshot_url required when camera.source is http")
		}
	case "none", "":
	default:
		return fmt.Errorf("camera.source %q not supported", cfg.Camera.Source)
	}
	if cfg.Alerts.CriticalRepeatInterval < 0 || cfg.Alerts.ImportantCooldown < 0 || cfg.Alerts.InformationalCooldown < 0 {
		return errors.New("alerts intervals must be >= 0")
	}
	if cfg.Session.InactivityTimeout < 0 {
		return errors.New("session.inactivity_timeout must be >= 0")
	}
	if cfg.Distance.CloseRatio > cfg.Distance.VeryCloseRatio {
		return errors.New("distance.close_ratio must not exceed distance.very_close_ratio")
	}
	if cfg.Faces.Tolerance <= 0 {
		return errors.New("faces.tolerance must be > 0")
	}
	if cfg.Ingest.TCPStream.Enabled && cfg.Ingest.TCPStream.Addr == "" {
		return errors.New("ingest.tcp_stream.addr required when ingest.tcp_stream.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Broadcast.Kafka.Enabled && (len(cfg.Broadcast.Kafka.Brokers) == 0 || cfg.Broadcast.Kafka.Topic == "") {
		return errors.New("broadcast.kafka requires brokers and topic")
	}
	if cfg.Broadcast.MQTT.Enabled && cfg.Broadcast.MQTT.Broker == "" {
		return errors.New("broadcast.mqtt.broker required when broadcast.mqtt.enabled is true")
	}
	if cfg.Broadcast.AMQP.Enabled && cfg.Broadcast.AMQP.URL == "" {
		return errors.New("broadcast.amqp.url required when broadcast.amqp.enabled is true")
	}
	if cfg.Storage.Enabled {
		switch cfg.Storage.Driver {
		case "sqlite", "postgres", "mysql":
		default:
			return fmt.Errorf("unsupported storage driver: %s", cfg.Storage.Driver)
		}
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	if path != "" {
		if info, err := os.Stat(path); err == nil {
			m.modTime = info.ModTime()
		}
	}
	return m, nil
}

// NewStaticManager wraps an already loaded config; it never reloads.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
