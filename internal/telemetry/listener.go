package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/apexdata/lapreport/internal/monitoring"
)

// UDPListener receives JSON-encoded telemetry frames over UDP and hands the
// decoded raw mapping to a handler. It owns the socket and per-packet
// decode; frame semantics live with the handler.
type UDPListener struct {
	address     string
	rcvBuf      int
	logInterval time.Duration
	handler     func(map[string]interface{})
	logger      zerolog.Logger
	limiter     *monitoring.Limiter

	packets atomic.Int64
	dropped atomic.Int64
}

// UDPListenerConfig contains configuration options for the UDP listener.
type UDPListenerConfig struct {
	Address     string
	RcvBuf      int           // socket receive buffer, bytes (default 1 MiB)
	LogInterval time.Duration // stats log cadence (default 60s)
	Handler     func(map[string]interface{})
	Logger      zerolog.Logger
}

// NewUDPListener creates a listener with the provided configuration.
func NewUDPListener(config UDPListenerConfig) *UDPListener {
	if config.RcvBuf == 0 {
		config.RcvBuf = 1 << 20
	}
	if config.LogInterval == 0 {
		config.LogInterval = 60 * time.Second
	}
	return &UDPListener{
		address:     config.Address,
		rcvBuf:      config.RcvBuf,
		logInterval: config.LogInterval,
		handler:     config.Handler,
		logger:      config.Logger,
		limiter:     monitoring.NewLimiter(5 * time.Second),
	}
}

// Start begins listening and processing packets. It returns when the context
// is cancelled or the socket fails unrecoverably.
func (l *UDPListener) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}
	defer conn.Close()

	if err := conn.SetReadBuffer(l.rcvBuf); err != nil {
		l.logger.Warn().Err(err).Int("bytes", l.rcvBuf).Msg("failed to set UDP receive buffer (some OSes clamp buffer sizes)")
	}

	l.logger.Info().Str("address", l.address).Msg("listening for telemetry frames")

	go l.statsLoop(ctx)

	buf := make([]byte, 64*1024)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			return fmt.Errorf("failed to set read deadline: %w", err)
		}
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("UDP read failed: %w", err)
		}
		l.packets.Add(1)

		var raw map[string]interface{}
		if err := json.Unmarshal(buf[:n], &raw); err != nil {
			l.dropped.Add(1)
			if l.limiter.Allow("bad-frame-json") {
				l.logger.Warn().Err(err).Msg("dropping undecodable telemetry packet")
			}
			continue
		}
		if l.handler != nil {
			l.handler(raw)
		}
	}
}

func (l *UDPListener) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(l.logInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.logger.Debug().
				Int64("packets", l.packets.Load()).
				Int64("dropped", l.dropped.Load()).
				Msg("telemetry listener stats")
		case <-ctx.Done():
			return
		}
	}
}
