// Package capture provides camera frame sources. Each keeps only the latest
// complete frame; older frames are overwritten, never queued.
package capture

import (
	"context"
	"errors"
	"log/slog"

	"aura/internal/capability"
	"aura/internal/config"
	"aura/internal/model"
)

var ErrNoCamera = errors.New("no camera configured")

// New builds the frame source selected by cfg.Source.
func New(cfg config.CameraConfig, logger *slog.Logger) capability.Capture {
	switch cfg.Source {
	case "udp":
		return NewUDPSource(cfg.UDPAddr, cfg.MaxFrameSize, logger)
	case "http":
		return NewSnapshotSource(cfg.SnapshotURL, cfg.PollInterval, cfg.MaxFrameSize, logger)
	}
	return none{}
}

type none struct{}

func (none) Start(context.Context) error      { return ErrNoCamera }
func (none) Stop()                            {}
func (none) LatestFrame() (model.Frame, bool) { return model.Frame{}, false }
