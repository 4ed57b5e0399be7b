package telemetry

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/danmuck/excavctl/internal/observability"
	"github.com/rs/zerolog/log"
)

var ErrInvalidSample = errors.New("telemetry: invalid sample")

// Buffer holds the most recent tilt offset. Reads and writes are atomic
// on the float's bit pattern, so a reader never observes a torn value.
type Buffer struct {
	limit   float64
	bits    atomic.Uint64
	updates atomic.Uint64
	stamp   atomic.Int64
}

// BufferConfig seeds a Buffer. A zero Limit accepts any finite offset.
type BufferConfig struct {
	Initial float64
	Limit   float64
}

func NewBuffer(cfg BufferConfig) *Buffer {
	b := &Buffer{limit: math.Abs(cfg.Limit)}
	b.bits.Store(math.Float64bits(cfg.Initial))
	return b
}

// Update stores offset unconditionally.
func (b *Buffer) Update(offset float64) {
	b.bits.Store(math.Float64bits(offset))
	b.updates.Add(1)
	b.stamp.Store(time.Now().UnixNano())
}

func (b *Buffer) Read() float64 {
	return math.Float64frombits(b.bits.Load())
}

// Accept validates offset before storing it and counts it against source.
func (b *Buffer) Accept(offset float64, source string) error {
	if math.IsNaN(offset) || math.IsInf(offset, 0) {
		return fmt.Errorf("%w: non-finite offset %v", ErrInvalidSample, offset)
	}
	if b.limit > 0 && math.Abs(offset) > b.limit {
		return fmt.Errorf("%w: offset %v exceeds limit %v", ErrInvalidSample, offset, b.limit)
	}
	b.Update(offset)
	observability.RecordTelemetryUpdate(source)
	log.Debug().Float64("tilt_offset", offset).Str("source", source).Msg("telemetry.Buffer accepted sample")
	return nil
}

// Snapshot is a point-in-time view for status reporting. Fields are read
// independently.
type Snapshot struct {
	Offset    float64   `json:"tilt_offset"`
	Updates   uint64    `json:"updates"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

func (b *Buffer) Snapshot() Snapshot {
	out := Snapshot{
		Offset:  b.Read(),
		Updates: b.updates.Load(),
	}
	if ns := b.stamp.Load(); ns != 0 {
		out.UpdatedAt = time.Unix(0, ns)
	}
	return out
}
