package peernet

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stripestore/osd/internal/osd"
	"golang.org/x/time/rate"
)

// GmaxSink receives decoded gmax updates.
type GmaxSink interface {
	GmaxReceived(fileID string, g osd.Gmax) error
}

// ListenerConfig configures a GmaxListener.
type ListenerConfig struct {
	Addr      string
	RateLimit float64 // datagrams per second, 0 means unlimited
	RateBurst int
	Dropped   prometheus.Counter // optional
	Logger    zerolog.Logger
}

// GmaxListener reads gmax datagrams from UDP and hands them to a sink.
type GmaxListener struct {
	conn    *net.UDPConn
	sink    GmaxSink
	limiter *rate.Limiter
	dropped prometheus.Counter
	logger  zerolog.Logger
}

// ListenGmax binds the UDP socket.
func ListenGmax(cfg ListenerConfig, sink GmaxSink) (*GmaxListener, error) {
	addr, err := net.ResolveUDPAddr("udp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", cfg.Addr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	return &GmaxListener{
		conn:    conn,
		sink:    sink,
		limiter: rate.NewLimiter(limit, burst),
		dropped: cfg.Dropped,
		logger:  cfg.Logger.With().Str("component", "gmax-listener").Logger(),
	}, nil
}

// Addr returns the bound address.
func (l *GmaxListener) Addr() net.Addr {
	return l.conn.LocalAddr()
}

// Serve reads datagrams until ctx is done or the listener is closed.
func (l *GmaxListener) Serve(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = l.conn.Close()
		case <-done:
		}
	}()

	buf := make([]byte, MaxDatagramSize+1)
	for {
		n, from, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read gmax datagram: %w", err)
		}
		if !l.limiter.Allow() {
			l.drop()
			l.logger.Warn().Str("from", from.String()).Msg("gmax datagram rate limited")
			continue
		}
		d, err := UnmarshalGmaxDatagram(buf[:n])
		if err != nil {
			l.drop()
			l.logger.Warn().Err(err).Str("from", from.String()).Msg("dropping gmax datagram")
			continue
		}
		if err := l.sink.GmaxReceived(d.FileID, d.Gmax); err != nil {
			if errors.Is(err, osd.ErrExecutorClosed) {
				return nil
			}
			l.logger.Warn().Err(err).Str("file_id", d.FileID).Msg("gmax update not accepted")
		}
	}
}

// Close stops Serve.
func (l *GmaxListener) Close() error {
	return l.conn.Close()
}

func (l *GmaxListener) drop() {
	if l.dropped != nil {
		l.dropped.Inc()
	}
}
