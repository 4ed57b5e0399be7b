package telemetry

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/danmuck/excavctl/internal/protocol"
	"github.com/danmuck/excavctl/internal/testutil/testlog"
	"go.uber.org/goleak"
)

// startPublisher accepts one subscriber, writes samples, then holds the
// connection open until ctx ends.
func startPublisher(t *testing.T, ctx context.Context, samples []protocol.HealthSample) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		// a non-health frame first; the feed must skip it
		if err := protocol.WriteMessage(conn, 99, protocol.MsgDeviceReply, 0, protocol.DeviceReply{Device: 1, OK: true}.Fields()); err != nil {
			return
		}
		for i, s := range samples {
			if err := Publish(conn, uint64(i+1), s); err != nil {
				return
			}
		}
		<-ctx.Done()
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		<-done
	})
	return ln.Addr().String()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestFeedWritesSamplesToBuffer(t *testing.T) {
	defer goleak.VerifyNone(t)
	testlog.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr := startPublisher(t, ctx, []protocol.HealthSample{
		{TiltPosition: 0.1, TimestampMS: 1},
		{TiltPosition: 9e9, TimestampMS: 2},
		{TiltPosition: -0.35, TimestampMS: 3},
	})
	buf := NewBuffer(BufferConfig{Limit: 2})
	feed, err := NewFeed(FeedConfig{Address: addr}, buf)
	if err != nil {
		t.Fatalf("new feed: %v", err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- feed.Run(ctx) }()

	waitFor(t, "two accepted samples", func() bool {
		accepted, rejected := feed.Samples()
		return accepted == 2 && rejected == 1
	})
	if got := buf.Read(); got != -0.35 {
		t.Fatalf("expected latest offset -0.35, got %v", got)
	}
	if !feed.Connected() {
		t.Fatalf("feed should report connected")
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("feed did not stop on cancel")
	}
	if feed.Connected() {
		t.Fatalf("feed should report disconnected after stop")
	}
}

func TestFeedRetriesUntilCanceled(t *testing.T) {
	defer goleak.VerifyNone(t)
	testlog.Start(t)

	// grab a free port and release it so dials are refused
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	cfg := DefaultFeedConfig()
	cfg.Address = addr
	cfg.Backoff = BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 1}
	feed, err := NewFeed(cfg, NewBuffer(BufferConfig{}))
	if err != nil {
		t.Fatalf("new feed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := feed.Run(ctx); err != nil {
		t.Fatalf("run should return nil on cancel, got %v", err)
	}
	if feed.Connected() {
		t.Fatalf("feed never connected")
	}
}

func TestNewFeedRequiresAddress(t *testing.T) {
	_, err := NewFeed(FeedConfig{}, NewBuffer(BufferConfig{}))
	if !errors.Is(err, ErrFeedAddressRequired) {
		t.Fatalf("expected ErrFeedAddressRequired, got %v", err)
	}
}

func TestFeedFollowsPublisher(t *testing.T) {
	defer goleak.VerifyNone(t)
	testlog.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var source Buffer
	source.Update(-0.2)
	published := make(chan error, 1)
	go func() { published <- ServePublisher(ctx, ln, 5*time.Millisecond, source.Read) }()

	buf := NewBuffer(BufferConfig{})
	feed, err := NewFeed(FeedConfig{Address: ln.Addr().String()}, buf)
	if err != nil {
		t.Fatalf("new feed: %v", err)
	}
	runErr := make(chan error, 1)
	go func() { runErr <- feed.Run(ctx) }()

	waitFor(t, "first sample", func() bool { return buf.Read() == -0.2 })
	source.Update(0.45)
	waitFor(t, "updated sample", func() bool { return buf.Read() == 0.45 })

	cancel()
	if err := <-runErr; err != nil {
		t.Fatalf("feed run: %v", err)
	}
	if err := <-published; err != nil {
		t.Fatalf("publisher: %v", err)
	}
}
