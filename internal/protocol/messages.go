package protocol

import (
	"fmt"
	"io"

	"github.com/danmuck/excavctl/internal/protocol/frame"
	"github.com/danmuck/excavctl/internal/protocol/tlv"
)

// MessageType identifies the payload schema carried by a frame.
type MessageType uint32

const (
	MsgHealthSample  MessageType = 1
	MsgDeviceCommand MessageType = 2
	MsgDeviceReply   MessageType = 3
)

func (m MessageType) String() string {
	switch m {
	case MsgHealthSample:
		return "health.sample"
	case MsgDeviceCommand:
		return "device.command"
	case MsgDeviceReply:
		return "device.reply"
	}
	return fmt.Sprintf("unknown(%d)", uint32(m))
}

// Field ids, shared across message types.
const (
	FieldTiltPosition uint16 = 1
	FieldTimestampMS  uint16 = 2
	FieldDevice       uint16 = 3
	FieldOp           uint16 = 4
	FieldValue        uint16 = 5
	FieldOK           uint16 = 6
	FieldPosition     uint16 = 7
	FieldError        uint16 = 8
)

// HealthSample is one reading from the motor health feed.
type HealthSample struct {
	TiltPosition float64
	TimestampMS  uint64
}

// DeviceOp is one of the four operations an actuator handle supports.
type DeviceOp uint8

const (
	OpReadPosition DeviceOp = 1
	OpSetPosition  DeviceOp = 2
	OpSetVelocity  DeviceOp = 3
	OpSetDutyCycle DeviceOp = 4
)

func (o DeviceOp) String() string {
	switch o {
	case OpReadPosition:
		return "read_position"
	case OpSetPosition:
		return "set_position"
	case OpSetVelocity:
		return "set_velocity"
	case OpSetDutyCycle:
		return "set_duty_cycle"
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

func (o DeviceOp) Valid() bool {
	return o >= OpReadPosition && o <= OpSetDutyCycle
}

// DeviceCommand addresses one actuator on the bus.
type DeviceCommand struct {
	Device uint32
	Op     DeviceOp
	Value  float64
}

// DeviceReply answers a DeviceCommand; Position is only meaningful for reads.
type DeviceReply struct {
	Device   uint32
	OK       bool
	Position float64
	Error    string
}

func (s HealthSample) Fields() []tlv.Field {
	return []tlv.Field{
		tlv.F64(FieldTiltPosition, s.TiltPosition),
		tlv.U64(FieldTimestampMS, s.TimestampMS),
	}
}

func (c DeviceCommand) Fields() []tlv.Field {
	return []tlv.Field{
		tlv.U32(FieldDevice, c.Device),
		tlv.U8(FieldOp, uint8(c.Op)),
		tlv.F64(FieldValue, c.Value),
	}
}

func (r DeviceReply) Fields() []tlv.Field {
	fields := []tlv.Field{
		tlv.U32(FieldDevice, r.Device),
		tlv.Bool(FieldOK, r.OK),
		tlv.F64(FieldPosition, r.Position),
	}
	if r.Error != "" {
		fields = append(fields, tlv.String(FieldError, r.Error))
	}
	return fields
}

// WriteMessage frames fields under msgType and id.
func WriteMessage(w io.Writer, id uint64, msgType MessageType, flags uint16, fields []tlv.Field) error {
	return frame.WriteFrame(w, frame.Frame{
		Header: frame.Header{
			MessageID:   id,
			MessageType: uint32(msgType),
			Flags:       flags,
		},
		Payload: tlv.EncodeFields(fields),
	}, frame.DefaultLimits())
}

// ReadMessage reads one frame and decodes its TLV payload.
func ReadMessage(r io.Reader) (frame.Header, []tlv.Field, error) {
	f, err := frame.ReadFrame(r, frame.DefaultLimits())
	if err != nil {
		return frame.Header{}, nil, err
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return frame.Header{}, nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return f.Header, fields, nil
}

func DecodeHealthSample(h frame.Header, fields []tlv.Field) (HealthSample, error) {
	if err := expectType(h, MsgHealthSample); err != nil {
		return HealthSample{}, err
	}
	tilt, err := tlv.ReadF64(fields, FieldTiltPosition)
	if err != nil {
		return HealthSample{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	// timestamp is optional on the feed
	ts, _ := tlv.ReadU64(fields, FieldTimestampMS)
	return HealthSample{TiltPosition: tilt, TimestampMS: ts}, nil
}

func DecodeDeviceCommand(h frame.Header, fields []tlv.Field) (DeviceCommand, error) {
	if err := expectType(h, MsgDeviceCommand); err != nil {
		return DeviceCommand{}, err
	}
	device, err := tlv.ReadU32(fields, FieldDevice)
	if err != nil {
		return DeviceCommand{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	rawOp, err := tlv.ReadU8(fields, FieldOp)
	if err != nil {
		return DeviceCommand{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	op := DeviceOp(rawOp)
	if !op.Valid() {
		return DeviceCommand{}, fmt.Errorf("%w: %d", ErrUnknownDeviceOp, rawOp)
	}
	value, err := tlv.ReadF64(fields, FieldValue)
	if err != nil {
		return DeviceCommand{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return DeviceCommand{Device: device, Op: op, Value: value}, nil
}

func DecodeDeviceReply(h frame.Header, fields []tlv.Field) (DeviceReply, error) {
	if err := expectType(h, MsgDeviceReply); err != nil {
		return DeviceReply{}, err
	}
	device, err := tlv.ReadU32(fields, FieldDevice)
	if err != nil {
		return DeviceReply{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	ok, err := tlv.ReadBool(fields, FieldOK)
	if err != nil {
		return DeviceReply{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	pos, err := tlv.ReadF64(fields, FieldPosition)
	if err != nil {
		return DeviceReply{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	reply := DeviceReply{Device: device, OK: ok, Position: pos}
	if msg, err := tlv.ReadString(fields, FieldError); err == nil {
		reply.Error = msg
	}
	return reply, nil
}

func expectType(h frame.Header, want MessageType) error {
	if MessageType(h.MessageType) != want {
		return fmt.Errorf("%w: got %s want %s", ErrMessageTypeMismatch, MessageType(h.MessageType), want)
	}
	return nil
}
