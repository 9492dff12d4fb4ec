package capture

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"aura/internal/model"
)

var (
	jpegHeader = []byte{0xFF, 0xD8}
	jpegFooter = []byte{0xFF, 0xD9}
)

// UDPSource receives a camera's JPEG stream split across datagrams. A datagram
// starting with the JPEG SOI marker opens a frame; one ending with EOI closes it.
type UDPSource struct {
	addr     string
	maxFrame int
	logger   *slog.Logger
	slot     Slot

	mu     sync.Mutex
	conn   *net.UDPConn
	cancel context.CancelFunc
	done   chan struct{}
}

func NewUDPSource(addr string, maxFrame int, logger *slog.Logger) *UDPSource {
	if maxFrame <= 0 {
		maxFrame = 2 << 20
	}
	return &UDPSource{addr: addr, maxFrame: maxFrame, logger: logger}
}

// Start binds the socket before returning so a bad address surfaces as an error.
func (u *UDPSource) Start(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn != nil {
		return nil
	}
	udpAddr, err := net.ResolveUDPAddr("udp", u.addr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}
	u.slot.Reset()
	runCtx, cancel := context.WithCancel(ctx)
	u.conn = conn
	u.cancel = cancel
	u.done = make(chan struct{})
	go u.listen(runCtx, conn, u.done)
	if u.logger != nil {
		u.logger.Info("udp camera listening", "addr", conn.LocalAddr().String())
	}
	return nil
}

// Addr reports the bound address, or nil when stopped.
func (u *UDPSource) Addr() net.Addr {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn == nil {
		return nil
	}
	return u.conn.LocalAddr()
}

func (u *UDPSource) Stop() {
	u.mu.Lock()
	conn, cancel, done := u.conn, u.cancel, u.done
	u.conn, u.cancel, u.done = nil, nil, nil
	u.mu.Unlock()
	if conn == nil {
		return
	}
	cancel()
	conn.Close()
	<-done
}

func (u *UDPSource) LatestFrame() (model.Frame, bool) {
	return u.slot.Latest()
}

func (u *UDPSource) listen(ctx context.Context, conn *net.UDPConn, done chan struct{}) {
	defer close(done)
	buf := make([]byte, 65535)
	var frame bytes.Buffer
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if u.logger != nil {
				u.logger.Warn("udp camera read error", "err", err)
			}
			continue
		}
		data := buf[:n]
		if bytes.HasPrefix(data, jpegHeader) {
			frame.Reset()
		}
		if frame.Len()+len(data) > u.maxFrame {
			if u.logger != nil {
				u.logger.Warn("udp camera frame too large, dropped", "limit", u.maxFrame)
			}
			frame.Reset()
			continue
		}
		frame.Write(data)
		if bytes.HasSuffix(data, jpegFooter) {
			if !u.slot.Put(frame.Bytes(), time.Now().UTC()) && u.logger != nil {
				u.logger.Debug("udp camera frame not decodable")
			}
			frame.Reset()
		}
	}
}
