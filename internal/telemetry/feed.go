package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/danmuck/excavctl/internal/protocol"
	"github.com/rs/zerolog/log"
)

var ErrFeedAddressRequired = errors.New("telemetry: feed address required")

const SourceFeed = "feed"

// FeedConfig configures the health feed subscription.
type FeedConfig struct {
	Address        string
	ConnectTimeout time.Duration
	// StaleAfter drops and redials a connection that stays silent this long.
	StaleAfter time.Duration
	Backoff    BackoffConfig
}

func DefaultFeedConfig() FeedConfig {
	return FeedConfig{
		ConnectTimeout: 5 * time.Second,
		StaleAfter:     15 * time.Second,
		Backoff:        DefaultBackoff(),
	}
}

func (c FeedConfig) WithDefaults() FeedConfig {
	def := DefaultFeedConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = def.StaleAfter
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = def.Backoff
	}
	return c
}

// Feed subscribes to the motor health publisher and writes every tilt
// sample into a Buffer.
type Feed struct {
	cfg       FeedConfig
	buf       *Buffer
	rng       *rand.Rand
	connected atomic.Bool
	samples   atomic.Uint64
	rejected  atomic.Uint64
}

func NewFeed(cfg FeedConfig, buf *Buffer) (*Feed, error) {
	cfg = cfg.WithDefaults()
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrFeedAddressRequired
	}
	if buf == nil {
		return nil, errors.New("telemetry: nil buffer")
	}
	return &Feed{
		cfg: cfg,
		buf: buf,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

func (f *Feed) Connected() bool {
	return f.connected.Load()
}

// Samples returns accepted and rejected sample counts.
func (f *Feed) Samples() (accepted, rejected uint64) {
	return f.samples.Load(), f.rejected.Load()
}

// Run keeps the subscription alive until ctx ends. It only returns an error
// for conditions a redial cannot fix.
func (f *Feed) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		conn, err := f.dial(ctx)
		if err == nil {
			attempt = 0
			log.Info().Str("address", f.cfg.Address).Msg("telemetry.Feed connected")
			f.connected.Store(true)
			err = f.consume(ctx, conn)
			f.connected.Store(false)
			_ = conn.Close()
			if ctx.Err() != nil {
				return nil
			}
		}
		attempt++
		delay := NextBackoffDelay(f.cfg.Backoff, attempt, f.rng)
		log.Warn().
			Err(err).
			Str("address", f.cfg.Address).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("telemetry.Feed disconnected")
		if err := sleepCtx(ctx, delay); err != nil {
			return nil
		}
	}
}

func (f *Feed) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: f.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", f.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("telemetry: dial %q: %w", f.cfg.Address, err)
	}
	return conn, nil
}

// consume reads health frames until the connection fails or goes stale.
func (f *Feed) consume(ctx context.Context, conn net.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(f.cfg.StaleAfter)); err != nil {
			return err
		}
		h, fields, err := protocol.ReadMessage(conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("telemetry: publisher closed stream: %w", err)
			}
			return err
		}
		if protocol.MessageType(h.MessageType) != protocol.MsgHealthSample {
			log.Debug().Stringer("type", protocol.MessageType(h.MessageType)).Msg("telemetry.Feed ignoring frame")
			continue
		}
		sample, err := protocol.DecodeHealthSample(h, fields)
		if err == nil {
			err = f.buf.Accept(sample.TiltPosition, SourceFeed)
		}
		if err != nil {
			f.rejected.Add(1)
			log.Warn().Err(err).Uint64("message_id", h.MessageID).Msg("telemetry.Feed rejected sample")
			continue
		}
		f.samples.Add(1)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Publish writes one health sample frame; publishers and tests share it.
func Publish(w io.Writer, id uint64, sample protocol.HealthSample) error {
	return protocol.WriteMessage(w, id, protocol.MsgHealthSample, 0, sample.Fields())
}
