package actuator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/excavctl/internal/protocol"
	"github.com/danmuck/excavctl/internal/protocol/frame"
	"github.com/danmuck/excavctl/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

var (
	ErrBusAddressRequired = errors.New("actuator: bus address required")
	ErrBusClosed          = errors.New("actuator: bus connection closed")
	ErrReplyMismatch      = errors.New("actuator: reply does not match request")
	ErrUnknownDevice      = errors.New("actuator: unknown device")
)

// RemoteConfig configures the link to an actuator bus node.
type RemoteConfig struct {
	Address        string
	ConnectTimeout time.Duration
	IOTimeout      time.Duration
}

func DefaultRemoteConfig() RemoteConfig {
	return RemoteConfig{
		ConnectTimeout: 2 * time.Second,
		IOTimeout:      250 * time.Millisecond,
	}
}

func (c RemoteConfig) WithDefaults() RemoteConfig {
	def := DefaultRemoteConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.IOTimeout <= 0 {
		c.IOTimeout = def.IOTimeout
	}
	return c
}

// Remote multiplexes device commands for several actuators over one
// request/reply connection. Calls are serialized. A connection that fails
// mid-exchange is dropped and redialed on the next call when Address is set.
type Remote struct {
	cfg    RemoteConfig
	mu     sync.Mutex
	conn   net.Conn
	closed bool
	seq    atomic.Uint64
}

func DialRemote(ctx context.Context, cfg RemoteConfig) (*Remote, error) {
	cfg = cfg.WithDefaults()
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrBusAddressRequired
	}
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("actuator: dial bus %q: %w", cfg.Address, err)
	}
	log.Info().Str("address", cfg.Address).Msg("actuator.Remote connected")
	return NewRemote(conn, cfg), nil
}

func NewRemote(conn net.Conn, cfg RemoteConfig) *Remote {
	return &Remote{cfg: cfg.WithDefaults(), conn: conn}
}

func (r *Remote) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	r.conn = nil
	return err
}

// connLocked returns the live connection, redialing a dropped one.
func (r *Remote) connLocked(ctx context.Context) (net.Conn, error) {
	if r.closed {
		return nil, ErrBusClosed
	}
	if r.conn != nil {
		return r.conn, nil
	}
	if strings.TrimSpace(r.cfg.Address) == "" {
		return nil, ErrBusClosed
	}
	dialer := net.Dialer{Timeout: r.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", r.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("actuator: redial bus %q: %w", r.cfg.Address, err)
	}
	log.Info().Str("address", r.cfg.Address).Msg("actuator.Remote reconnected")
	r.conn = conn
	return conn, nil
}

// dropLocked discards a connection whose stream position is unknown.
func (r *Remote) dropLocked(cause error) {
	if r.conn == nil {
		return
	}
	log.Warn().Err(cause).Str("address", r.cfg.Address).Msg("actuator.Remote dropping bus connection")
	_ = r.conn.Close()
	r.conn = nil
}

func (r *Remote) Handle(device uint32) Handle {
	return &remoteHandle{bus: r, device: device}
}

func (r *Remote) Rig(ids DeviceIDs) Rig {
	return Rig{
		LeftLift:   r.Handle(ids.LeftLift),
		RightLift:  r.Handle(ids.RightLift),
		Tilt:       r.Handle(ids.Tilt),
		LeftDrive:  r.Handle(ids.LeftDrive),
		RightDrive: r.Handle(ids.RightDrive),
		Agitator:   r.Handle(ids.Agitator),
	}
}

func (r *Remote) call(ctx context.Context, cmd protocol.DeviceCommand) (protocol.DeviceReply, error) {
	if err := ctx.Err(); err != nil {
		return protocol.DeviceReply{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, err := r.connLocked(ctx)
	if err != nil {
		return protocol.DeviceReply{}, err
	}
	deadline := time.Now().Add(r.cfg.IOTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		r.dropLocked(err)
		return protocol.DeviceReply{}, err
	}
	defer func() {
		if r.conn == conn {
			_ = conn.SetDeadline(time.Time{})
		}
	}()

	id := r.seq.Add(1)
	if err := protocol.WriteMessage(conn, id, protocol.MsgDeviceCommand, 0, cmd.Fields()); err != nil {
		r.dropLocked(err)
		return protocol.DeviceReply{}, fmt.Errorf("actuator: send %s to device %d: %w", cmd.Op, cmd.Device, err)
	}
	var (
		h      frame.Header
		fields []tlv.Field
	)
	for {
		h, fields, err = protocol.ReadMessage(conn)
		if err != nil {
			r.dropLocked(err)
			return protocol.DeviceReply{}, fmt.Errorf("actuator: await %s from device %d: %w", cmd.Op, cmd.Device, err)
		}
		// late reply to an earlier call that already gave up
		if h.MessageID < id {
			log.Debug().Uint64("id", h.MessageID).Uint64("want", id).Msg("actuator.Remote discarded stale reply")
			continue
		}
		break
	}
	if h.MessageID != id {
		err := fmt.Errorf("%w: id=%d want=%d", ErrReplyMismatch, h.MessageID, id)
		r.dropLocked(err)
		return protocol.DeviceReply{}, err
	}
	reply, err := protocol.DecodeDeviceReply(h, fields)
	if err != nil {
		return protocol.DeviceReply{}, err
	}
	if reply.Device != cmd.Device {
		return protocol.DeviceReply{}, fmt.Errorf("%w: device=%d want=%d", ErrReplyMismatch, reply.Device, cmd.Device)
	}
	if !reply.OK {
		return reply, fmt.Errorf("%w: device=%d op=%s: %s", ErrDeviceFault, cmd.Device, cmd.Op, reply.Error)
	}
	return reply, nil
}

type remoteHandle struct {
	bus    *Remote
	device uint32
}

func (h *remoteHandle) Position(ctx context.Context) (float64, error) {
	reply, err := h.bus.call(ctx, protocol.DeviceCommand{Device: h.device, Op: protocol.OpReadPosition})
	if err != nil {
		return 0, err
	}
	return reply.Position, nil
}

func (h *remoteHandle) SetPosition(ctx context.Context, target float64) error {
	_, err := h.bus.call(ctx, protocol.DeviceCommand{Device: h.device, Op: protocol.OpSetPosition, Value: target})
	return err
}

func (h *remoteHandle) SetVelocity(ctx context.Context, velocity float64) error {
	_, err := h.bus.call(ctx, protocol.DeviceCommand{Device: h.device, Op: protocol.OpSetVelocity, Value: velocity})
	return err
}

func (h *remoteHandle) SetDutyCycle(ctx context.Context, duty float64) error {
	_, err := h.bus.call(ctx, protocol.DeviceCommand{Device: h.device, Op: protocol.OpSetDutyCycle, Value: duty})
	return err
}

// ServeBus answers device commands on conn from devices until the peer
// disconnects or ctx ends.
func ServeBus(ctx context.Context, conn net.Conn, devices map[uint32]Handle) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		h, fields, err := protocol.ReadMessage(conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		cmd, err := protocol.DecodeDeviceCommand(h, fields)
		reply := protocol.DeviceReply{Device: cmd.Device}
		if err == nil {
			reply, err = apply(ctx, devices, cmd)
		}
		flags := frame.FlagIsResponse
		if err != nil {
			reply.OK = false
			reply.Error = err.Error()
			flags |= frame.FlagIsError
		}
		if err := protocol.WriteMessage(conn, h.MessageID, protocol.MsgDeviceReply, flags, reply.Fields()); err != nil {
			return err
		}
	}
}

// ListenAndServeBus accepts bus connections on addr until ctx ends.
func ListenAndServeBus(ctx context.Context, addr string, devices map[uint32]Handle) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ServeBusListener(ctx, ln, devices)
}

func ServeBusListener(ctx context.Context, ln net.Listener, devices map[uint32]Handle) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	log.Info().Str("address", ln.Addr().String()).Int("devices", len(devices)).Msg("actuator.ServeBus listening")

	var wg sync.WaitGroup
	defer wg.Wait()
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
			if err := ServeBus(ctx, conn, devices); err != nil {
				log.Warn().Err(err).Str("peer", conn.RemoteAddr().String()).Msg("actuator.ServeBus connection ended")
			}
		}()
	}
}

func apply(ctx context.Context, devices map[uint32]Handle, cmd protocol.DeviceCommand) (protocol.DeviceReply, error) {
	dev, ok := devices[cmd.Device]
	if !ok {
		return protocol.DeviceReply{Device: cmd.Device}, fmt.Errorf("%w: %d", ErrUnknownDevice, cmd.Device)
	}
	reply := protocol.DeviceReply{Device: cmd.Device, OK: true}
	var err error
	switch cmd.Op {
	case protocol.OpReadPosition:
		reply.Position, err = dev.Position(ctx)
	case protocol.OpSetPosition:
		err = dev.SetPosition(ctx, cmd.Value)
	case protocol.OpSetVelocity:
		err = dev.SetVelocity(ctx, cmd.Value)
	case protocol.OpSetDutyCycle:
		err = dev.SetDutyCycle(ctx, cmd.Value)
	default:
		err = fmt.Errorf("%w: %d", protocol.ErrUnknownDeviceOp, cmd.Op)
	}
	return reply, err
}
