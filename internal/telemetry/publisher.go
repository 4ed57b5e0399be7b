package telemetry

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/excavctl/internal/protocol"
	"github.com/rs/zerolog/log"
)

// ServePublisher streams a health sample built from read to every
// subscriber once per period, until ctx ends. It stands in for the motor
// health node on a bench or in simulation.
func ServePublisher(ctx context.Context, ln net.Listener, period time.Duration, read func() float64) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	log.Info().Str("address", ln.Addr().String()).Dur("period", period).Msg("telemetry.ServePublisher listening")

	var wg sync.WaitGroup
	defer wg.Wait()
	var seq atomic.Uint64
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			publishLoop(ctx, conn, period, read, &seq)
		}()
	}
}

func publishLoop(ctx context.Context, conn net.Conn, period time.Duration, read func() float64, seq *atomic.Uint64) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	peer := conn.RemoteAddr().String()
	log.Debug().Str("peer", peer).Msg("telemetry.ServePublisher subscriber connected")
	for {
		sample := protocol.HealthSample{
			TiltPosition: read(),
			TimestampMS:  uint64(time.Now().UnixMilli()),
		}
		_ = conn.SetWriteDeadline(time.Now().Add(period + time.Second))
		if err := Publish(conn, seq.Add(1), sample); err != nil {
			log.Debug().Err(err).Str("peer", peer).Msg("telemetry.ServePublisher subscriber dropped")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
