package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/excavctl/internal/protocol/frame"
	"github.com/danmuck/excavctl/internal/protocol/tlv"
)

func TestHealthSampleOverFrame(t *testing.T) {
	var buf bytes.Buffer
	in := HealthSample{TiltPosition: 0.3, TimestampMS: 1717000000000}
	if err := WriteMessage(&buf, 7, MsgHealthSample, 0, in.Fields()); err != nil {
		t.Fatalf("write: %v", err)
	}
	h, fields, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if h.MessageID != 7 {
		t.Fatalf("unexpected message id: %d", h.MessageID)
	}
	out, err := DecodeHealthSample(h, fields)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("sample mismatch: got=%+v want=%+v", out, in)
	}
}

func TestHealthSampleTimestampOptional(t *testing.T) {
	h := frame.Header{MessageType: uint32(MsgHealthSample)}
	out, err := DecodeHealthSample(h, []tlv.Field{tlv.F64(FieldTiltPosition, -0.25)})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.TiltPosition != -0.25 || out.TimestampMS != 0 {
		t.Fatalf("unexpected sample: %+v", out)
	}
}

func TestDecodeRejectsWrongMessageType(t *testing.T) {
	h := frame.Header{MessageType: uint32(MsgDeviceReply)}
	_, err := DecodeHealthSample(h, HealthSample{}.Fields())
	if !errors.Is(err, ErrMessageTypeMismatch) {
		t.Fatalf("expected ErrMessageTypeMismatch, got %v", err)
	}
}

func TestDeviceCommandAndReply(t *testing.T) {
	var buf bytes.Buffer
	cmd := DeviceCommand{Device: 5, Op: OpSetPosition, Value: -2.9}
	if err := WriteMessage(&buf, 1, MsgDeviceCommand, 0, cmd.Fields()); err != nil {
		t.Fatalf("write command: %v", err)
	}
	reply := DeviceReply{Device: 5, OK: false, Error: "bus fault"}
	if err := WriteMessage(&buf, 1, MsgDeviceReply, frame.FlagIsResponse|frame.FlagIsError, reply.Fields()); err != nil {
		t.Fatalf("write reply: %v", err)
	}

	h, fields, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("read command: %v", err)
	}
	gotCmd, err := DecodeDeviceCommand(h, fields)
	if err != nil || gotCmd != cmd {
		t.Fatalf("command mismatch: %+v err=%v", gotCmd, err)
	}

	h, fields, err = ReadMessage(&buf)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if h.Flags&frame.FlagIsError == 0 {
		t.Fatalf("expected error flag")
	}
	gotReply, err := DecodeDeviceReply(h, fields)
	if err != nil || gotReply != reply {
		t.Fatalf("reply mismatch: %+v err=%v", gotReply, err)
	}
}

func TestDecodeDeviceCommandUnknownOp(t *testing.T) {
	h := frame.Header{MessageType: uint32(MsgDeviceCommand)}
	fields := []tlv.Field{tlv.U32(FieldDevice, 1), tlv.U8(FieldOp, 9), tlv.F64(FieldValue, 0)}
	if _, err := DecodeDeviceCommand(h, fields); !errors.Is(err, ErrUnknownDeviceOp) {
		t.Fatalf("expected ErrUnknownDeviceOp, got %v", err)
	}
}
