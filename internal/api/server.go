package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"aura/internal/alerts"
	"aura/internal/config"
	"aura/internal/engine"
	"aura/internal/model"
	"aura/internal/perception"
	"aura/internal/session"
)

const maxPhotoBytes = 10 << 20

// SessionControl is the slice of the session controller the API drives.
type SessionControl interface {
	Start(ctx context.Context) (string, error)
	Stop(ctx context.Context) (session.Summary, error)
	HandleVoiceCommand(ctx context.Context, text string) (string, error)
	Snapshot() session.Snapshot
	Listening() bool
	Ledger() *engine.Ledger
	History() *alerts.History
}

// Records is read-only access to persisted sessions and logs.
type Records interface {
	ListSessions(ctx context.Context, limit int) ([]model.Session, error)
	ListEventLogs(ctx context.Context, limit int) ([]model.EventLogEntry, error)
	SessionEventLogs(ctx context.Context, sessionID string) ([]model.EventLogEntry, error)
}

type Faces interface {
	List() []model.KnownFace
	Add(ctx context.Context, name, relationship string, photo model.Frame, photoPath string) (model.KnownFace, error)
	Remove(ctx context.Context, id int64) error
}

type FrameSource interface {
	LatestFrame() (model.Frame, bool)
}

type Deps struct {
	Config  *config.Manager
	Session SessionControl
	Records Records
	Faces   Faces
	Frames  FrameSource
	Live    http.Handler
	Metrics http.Handler
	Clients func() int
	Logger  *slog.Logger
	Version string
}

type Server struct {
	deps Deps
}

type statusResponse struct {
	Status     string           `json:"status"`
	Time       string           `json:"time"`
	Version    string           `json:"version"`
	ConfigPath string           `json:"config_path"`
	Session    session.Snapshot `json:"session"`
	Paused     bool             `json:"alerts_paused"`
	Listening  bool             `json:"listening"`
	Clients    int              `json:"ws_clients"`
	Ingest     ingestStatus     `json:"ingest"`
	Broadcast  broadcastStatus  `json:"broadcast"`
}

type ingestStatus struct {
	TCPStream bool `json:"tcp_stream"`
	Kafka     bool `json:"kafka"`
}

type broadcastStatus struct {
	WebSocket bool `json:"websocket"`
	Kafka     bool `json:"kafka"`
	MQTT      bool `json:"mqtt"`
	AMQP      bool `json:"amqp"`
}

func NewServer(deps Deps) *Server {
	return &Server{deps: deps}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /api/session/start", s.handleSessionStart)
	mux.HandleFunc("POST /api/session/stop", s.handleSessionStop)
	mux.HandleFunc("POST /api/voice/command", s.handleVoiceCommand)
	mux.HandleFunc("GET /api/alerts", s.handleAlerts)
	mux.HandleFunc("POST /api/alerts/pause", s.handlePause)
	mux.HandleFunc("POST /api/alerts/resume", s.handleResume)
	mux.HandleFunc("POST /api/alerts/clear", s.handleClear)
	mux.HandleFunc("GET /api/logs", s.handleLogs)
	mux.HandleFunc("GET /api/sessions", s.handleSessions)
	mux.HandleFunc("GET /api/faces", s.handleListFaces)
	mux.HandleFunc("POST /api/faces", s.handleAddFace)
	mux.HandleFunc("DELETE /api/faces/{id}", s.handleDeleteFace)
	mux.HandleFunc("GET /api/frame", s.handleFrame)
	if s.deps.Live != nil {
		mux.Handle("GET /ws", s.deps.Live)
	}
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics)
	}
	return mux
}

// Start serves the API until ctx is cancelled. It returns nil when the API is disabled.
func Start(ctx context.Context, server *Server, logger *slog.Logger) *http.Server {
	if server == nil || server.deps.Config == nil {
		return nil
	}
	current := server.deps.Config.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	httpServer := &http.Server{Addr: current.Addr, Handler: server.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status:    "ok",
		Time:      time.Now().UTC().Format(time.RFC3339Nano),
		Version:   s.deps.Version,
		Session:   s.deps.Session.Snapshot(),
		Paused:    s.deps.Session.Ledger().Paused(),
		Listening: s.deps.Session.Listening(),
	}
	if s.deps.Clients != nil {
		resp.Clients = s.deps.Clients()
	}
	if s.deps.Config != nil {
		cfg := s.deps.Config.Get()
		resp.ConfigPath = s.deps.Config.Path()
		resp.Ingest = ingestStatus{TCPStream: cfg.Ingest.TCPStream.Enabled, Kafka: cfg.Ingest.Kafka.Enabled}
		resp.Broadcast = broadcastStatus{
			WebSocket: cfg.Broadcast.WebSocket.Enabled,
			Kafka:     cfg.Broadcast.Kafka.Enabled,
			MQTT:      cfg.Broadcast.MQTT.Enabled,
			AMQP:      cfg.Broadcast.AMQP.Enabled,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	id, err := s.deps.Session.Start(r.Context())
	switch {
	case errors.Is(err, session.ErrAlreadyActive):
		writeError(w, http.StatusBadRequest, "Session already active")
		return
	case errors.Is(err, session.ErrCameraUnavailable):
		writeError(w, http.StatusInternalServerError, "Could not start camera")
		return
	case err != nil:
		s.internalError(w, "session start failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "started", "session_id": id})
}

func (s *Server) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	sum, err := s.deps.Session.Stop(r.Context())
	if errors.Is(err, session.ErrNoActiveSession) {
		writeError(w, http.StatusBadRequest, "No active session")
		return
	}
	if err != nil {
		s.internalError(w, "session stop failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "stopped",
		"session_id":       sum.ID,
		"duration_seconds": sum.DurationSeconds,
		"total_alerts":     sum.AlertCount,
		"frame_count":      sum.FrameCount,
	})
}

func (s *Server) handleVoiceCommand(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	var req struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(body, &req); err != nil || strings.TrimSpace(req.Command) == "" {
		writeError(w, http.StatusBadRequest, "Command required")
		return
	}
	response, err := s.deps.Session.HandleVoiceCommand(r.Context(), req.Command)
	switch {
	case errors.Is(err, session.ErrNoActiveSession):
		writeError(w, http.StatusBadRequest, "No active session")
		return
	case errors.Is(err, session.ErrCameraUnavailable):
		writeError(w, http.StatusBadRequest, "Camera not available")
		return
	case err != nil:
		s.internalError(w, "voice command failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"command": req.Command, "response": response})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	history := s.deps.Session.History()
	var list []model.AlertRecord
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		ts, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid since")
			return
		}
		list = history.Since(ts)
	} else {
		list = history.Recent(queryInt(r, "limit", 0))
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": list, "count": len(list)})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.deps.Session.Ledger().Pause()
	writeJSON(w, http.StatusOK, map[string]any{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.deps.Session.Ledger().Resume()
	writeJSON(w, http.StatusOK, map[string]any{"status": "resumed"})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	var req struct {
		Target string `json:"target"`
	}
	_ = json.Unmarshal(body, &req)
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all":
		s.deps.Session.History().Clear()
		s.deps.Session.Ledger().ClearCooldowns()
	case "history", "alerts":
		s.deps.Session.History().Clear()
	case "cooldowns":
		s.deps.Session.Ledger().ClearCooldowns()
	default:
		writeError(w, http.StatusBadRequest, "Unknown target")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "target": target})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Records == nil {
		writeJSON(w, http.StatusOK, map[string]any{"logs": []model.EventLogEntry{}, "count": 0})
		return
	}
	var (
		logs []model.EventLogEntry
		err  error
	)
	if id := r.URL.Query().Get("session_id"); id != "" {
		logs, err = s.deps.Records.SessionEventLogs(r.Context(), id)
	} else {
		logs, err = s.deps.Records.ListEventLogs(r.Context(), queryInt(r, "limit", 100))
	}
	if err != nil {
		s.internalError(w, "list logs failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs, "count": len(logs)})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Records == nil {
		writeJSON(w, http.StatusOK, map[string]any{"sessions": []model.Session{}, "count": 0})
		return
	}
	list, err := s.deps.Records.ListSessions(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		s.internalError(w, "list sessions failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": list, "count": len(list)})
}

func (s *Server) handleListFaces(w http.ResponseWriter, r *http.Request) {
	if s.deps.Faces == nil {
		writeJSON(w, http.StatusOK, map[string]any{"faces": []model.KnownFace{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"faces": s.deps.Faces.List()})
}

func (s *Server) handleAddFace(w http.ResponseWriter, r *http.Request) {
	if s.deps.Faces == nil {
		writeError(w, http.StatusServiceUnavailable, "Face recognition unavailable")
		return
	}
	if err := r.ParseMultipartForm(maxPhotoBytes); err != nil {
		writeError(w, http.StatusBadRequest, "Name and photo required")
		return
	}
	name := strings.TrimSpace(r.FormValue("name"))
	relationship := strings.TrimSpace(r.FormValue("relationship"))
	if relationship == "" {
		relationship = "Other"
	}
	file, _, err := r.FormFile("photo")
	if name == "" || err != nil {
		writeError(w, http.StatusBadRequest, "Name and photo required")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, maxPhotoBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Name and photo required")
		return
	}
	imgCfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Could not detect face in image")
		return
	}
	photoPath, err := s.savePhoto(data)
	if err != nil {
		s.internalError(w, "save face photo failed", err)
		return
	}
	photo := model.Frame{Data: data, Width: imgCfg.Width, Height: imgCfg.Height}
	face, err := s.deps.Faces.Add(r.Context(), name, relationship, photo, photoPath)
	if err != nil {
		if photoPath != "" {
			_ = os.Remove(photoPath)
		}
		if errors.Is(err, perception.ErrNoFace) {
			writeError(w, http.StatusBadRequest, "Could not detect face in image")
			return
		}
		s.internalError(w, "add face failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"status": "added", "face": face})
}

func (s *Server) savePhoto(data []byte) (string, error) {
	if s.deps.Config == nil {
		return "", nil
	}
	dir := s.deps.Config.Get().Faces.UploadDir
	if dir == "" {
		return "", nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, uuid.NewString()+".jpg")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (s *Server) handleDeleteFace(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, "Face not found")
		return
	}
	if s.deps.Faces == nil {
		writeError(w, http.StatusNotFound, "Face not found")
		return
	}
	if err := s.deps.Faces.Remove(r.Context(), id); err != nil {
		if errors.Is(err, perception.ErrFaceNotFound) {
			writeError(w, http.StatusNotFound, "Face not found")
			return
		}
		s.internalError(w, "delete face failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "id": id})
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	if s.deps.Frames == nil {
		writeError(w, http.StatusNotFound, "Camera not available")
		return
	}
	frame, ok := s.deps.Frames.LatestFrame()
	if !ok {
		writeError(w, http.StatusNotFound, "Camera not available")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Seq", strconv.FormatUint(frame.Seq, 10))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(frame.Data)
}

func (s *Server) internalError(w http.ResponseWriter, msg string, err error) {
	if s.deps.Logger != nil {
		s.deps.Logger.Error(msg, "err", err)
	}
	writeError(w, http.StatusInternalServerError, "Internal error")
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
