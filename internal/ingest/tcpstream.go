package ingest

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"aura/internal/config"
)

// StartTCPStream accepts newline-delimited commands on the configured address.
// It returns the listener address, or nil when the stream is disabled.
func StartTCPStream(ctx context.Context, cfg *config.Manager, out chan<- Command, logger *slog.Logger) net.Addr {
	current := cfg.Get().Ingest.TCPStream
	if !current.Enabled {
		if logger != nil {
			logger.Info("tcp stream ingest disabled")
		}
		return nil
	}
	ln, err := net.Listen("tcp", current.Addr)
	if err != nil {
		if logger != nil {
			logger.Error("tcp stream listen error", "err", err)
		}
		return nil
	}
	if logger != nil {
		logger.Info("tcp stream ingest enabled", "addr", ln.Addr().String())
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				if logger != nil {
					logger.Warn("tcp stream accept error", "err", err)
				}
				continue
			}
			go handleTCPStreamConn(ctx, conn, out, logger)
		}
	}()
	return ln.Addr()
}

func handleTCPStreamConn(ctx context.Context, conn net.Conn, out chan<- Command, logger *slog.Logger) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 8192), 64*1024)
	for scanner.Scan() {
		cmd, err := ParseLine(scanner.Text(), "tcp_stream", time.Now().UTC())
		if err != nil {
			if logger != nil {
				logger.Warn("tcp stream parse error", "err", err)
			}
			continue
		}
		if cmd == nil {
			continue
		}
		SendNonBlocking(ctx, out, *cmd, logger)
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
	if err := scanner.Err(); err != nil && logger != nil {
		logger.Warn("tcp stream scanner error", "err", err)
	}
}
