package device

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/kairos-edge/internal/buffers"
	"github.com/nishisan-dev/kairos-edge/internal/ids"
	"github.com/nishisan-dev/kairos-edge/internal/lookback"
	"github.com/nishisan-dev/kairos-edge/internal/router"
)

// IlluminanceSource is the raw pull seam a real ambient-light sensor
// driver implements.
type IlluminanceSource interface {
	ReadRawLux(ctx context.Context) (float64, error)
	ReadTemperature(ctx context.Context) (float64, error)
}

// Sample is one EVK4 sampler record as placed on the wire: a 4-byte length
// prefix followed by the fixed 56-byte payload Encode produces. OnRate/
// OffRate are gauges read straight from the owning device's
// EventThreadState; Temperature/Illuminance are read from the
// IlluminanceSource on each tick; RisingCount/FallingCount and
// Autotrigger are consumed take-and-reset, so each sample reports activity
// accumulated since the previous one rather than a running total.
type Sample struct {
	SystemTimeUs      uint64
	SystemTimestampUs uint64
	OnRate            float32
	OffRate           float32
	RisingCount       uint32
	FallingCount      uint32
	Illuminance       float32
	Temperature       float32
	Autotrigger       AutotriggerState
}

// AppendEncode appends the fixed 56-byte EVK4 sample payload to buf,
// letting callers reuse a pooled buffer for the encoding.
func (s Sample) AppendEncode(buf []byte) []byte {
	var tmp [56]byte
	binary.LittleEndian.PutUint64(tmp[0:8], s.SystemTimeUs)
	binary.LittleEndian.PutUint64(tmp[8:16], s.SystemTimestampUs)
	binary.LittleEndian.PutUint32(tmp[16:20], math.Float32bits(s.OnRate))
	binary.LittleEndian.PutUint32(tmp[20:24], math.Float32bits(s.OffRate))
	binary.LittleEndian.PutUint32(tmp[24:28], s.RisingCount)
	binary.LittleEndian.PutUint32(tmp[28:32], s.FallingCount)
	binary.LittleEndian.PutUint32(tmp[32:36], math.Float32bits(s.Illuminance))
	binary.LittleEndian.PutUint32(tmp[36:40], math.Float32bits(s.Temperature))
	binary.LittleEndian.PutUint32(tmp[40:44], math.Float32bits(s.Autotrigger.ShortValue))
	binary.LittleEndian.PutUint32(tmp[44:48], math.Float32bits(s.Autotrigger.LongValue))
	binary.LittleEndian.PutUint32(tmp[48:52], math.Float32bits(s.Autotrigger.Ratio))
	binary.LittleEndian.PutUint32(tmp[52:56], math.Float32bits(s.Autotrigger.Threshold))
	return append(buf, tmp[:]...)
}

// Encode serializes s into a fresh fixed 56-byte EVK4 sample payload.
func (s Sample) Encode() []byte {
	return s.AppendEncode(nil)
}

// DecodeSample parses a 56-byte EVK4 sample payload, the inverse of Encode.
func DecodeSample(b []byte) Sample {
	return Sample{
		SystemTimeUs:      binary.LittleEndian.Uint64(b[0:8]),
		SystemTimestampUs: binary.LittleEndian.Uint64(b[8:16]),
		OnRate:            math.Float32frombits(binary.LittleEndian.Uint32(b[16:20])),
		OffRate:           math.Float32frombits(binary.LittleEndian.Uint32(b[20:24])),
		RisingCount:       binary.LittleEndian.Uint32(b[24:28]),
		FallingCount:      binary.LittleEndian.Uint32(b[28:32]),
		Illuminance:       math.Float32frombits(binary.LittleEndian.Uint32(b[32:36])),
		Temperature:       math.Float32frombits(binary.LittleEndian.Uint32(b[36:40])),
		Autotrigger: AutotriggerState{
			ShortValue: math.Float32frombits(binary.LittleEndian.Uint32(b[40:44])),
			LongValue:  math.Float32frombits(binary.LittleEndian.Uint32(b[44:48])),
			Ratio:      math.Float32frombits(binary.LittleEndian.Uint32(b[48:52])),
			Threshold:  math.Float32frombits(binary.LittleEndian.Uint32(b[52:56])),
		},
	}
}

// SamplerProducer runs the fixed 100ms cooperative sampling loop for one
// device's ambient-light sensor: read raw lux and temperature, apply the
// EVK4 calibration curve, consume the owning Event Producer's
// EventThreadState to merge its event-rate/auto-trigger telemetry into the
// sample, fan the result out and mirror the owning device's recording
// lifecycle into its own lookback ring, exactly as the original's sampler
// thread mirrors the event thread's record state.
type SamplerProducer struct {
	deviceId  ids.DeviceId
	source    IlluminanceSource
	eventState *EventThreadState
	stack     *buffers.Stack
	router    *router.Router
	ring      atomic.Pointer[lookback.Ring]
	alphaBits atomic.Uint64
	betaBits  atomic.Uint64
	logger    *slog.Logger

	recMu     sync.Mutex
	recording RecordingSink
}

// NewSamplerProducer builds a sampler producer for deviceId. eventState is
// the owning Producer's shared EventThreadState, the structural link the
// sampler needs to merge event-thread metrics into each sample; stack is the
// sample-class buffer pool its encoding scratch cycles through.
func NewSamplerProducer(deviceId ids.DeviceId, source IlluminanceSource, eventState *EventThreadState, stack *buffers.Stack, rtr *router.Router, ring *lookback.Ring, alpha, beta float64, logger *slog.Logger) *SamplerProducer {
	p := &SamplerProducer{
		deviceId:   deviceId,
		source:     source,
		eventState: eventState,
		stack:      stack,
		router:     rtr,
		logger:     logger.With("component", "sampler_producer", "device_id", uint32(deviceId)),
	}
	p.ring.Store(ring)
	p.alphaBits.Store(math.Float64bits(alpha))
	p.betaBits.Store(math.Float64bits(beta))
	return p
}

// Ring returns the sampler's current lookback ring, or nil if disabled.
func (p *SamplerProducer) Ring() *lookback.Ring { return p.ring.Load() }

// SetCalibration updates the EVK4 calibration curve constants applied to
// subsequent raw lux readings.
func (p *SamplerProducer) SetCalibration(alpha, beta float64) {
	p.alphaBits.Store(math.Float64bits(alpha))
	p.betaBits.Store(math.Float64bits(beta))
}

// SetRing atomically replaces the sampler's lookback ring, or clears it.
func (p *SamplerProducer) SetRing(r *lookback.Ring) { p.ring.Store(r) }

// SetRecordingSink mirrors Producer.SetRecordingSink for the sample stream.
func (p *SamplerProducer) SetRecordingSink(sink RecordingSink) {
	p.recMu.Lock()
	p.recording = sink
	p.recMu.Unlock()
}

func (p *SamplerProducer) currentSink() RecordingSink {
	p.recMu.Lock()
	defer p.recMu.Unlock()
	return p.recording
}

// Run blocks, sampling every 100ms until ctx is cancelled. If a sample
// period is missed (the caller stalled past the next scheduled tick) the
// loop fast-forwards in whole periods rather than bursting catch-up samples.
func (p *SamplerProducer) Run(ctx context.Context) error {
	streamId := ids.NewStreamId(p.deviceId, 1)
	next := time.Now()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		now := time.Now()
		if next.Before(now) {
			missed := now.Sub(next) / samplingPeriod
			next = next.Add(missed * samplingPeriod)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		next = next.Add(samplingPeriod)

		rawLux, err := p.source.ReadRawLux(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn("reading illuminance sample", "error", err)
			continue
		}
		temperature, err := p.source.ReadTemperature(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn("reading temperature sample", "error", err)
			continue
		}

		alpha := math.Float64frombits(p.alphaBits.Load())
		beta := math.Float64frombits(p.betaBits.Load())

		var onRate, offRate float64
		var risingCount, fallingCount uint64
		var autotrigger AutotriggerState
		if p.eventState != nil {
			onRate, offRate, risingCount, fallingCount, autotrigger = p.eventState.TakeEventMetrics()
		}

		sample := Sample{
			SystemTimeUs:      uint64(now.UnixMicro()),
			SystemTimestampUs: uint64(now.UnixMicro()),
			OnRate:            float32(onRate),
			OffRate:            float32(offRate),
			RisingCount:       uint32(risingCount),
			FallingCount:      uint32(fallingCount),
			Illuminance:       float32(Illuminance(alpha, beta, rawLux)),
			Temperature:       float32(temperature),
			Autotrigger:       autotrigger,
		}
		scratch := p.stack.Pop()
		encoded := sample.AppendEncode(scratch)

		framed := make([]byte, 0, 4+len(encoded))
		var lenPrefix [4]byte
		putUint32(lenPrefix[:], uint32(len(encoded)))
		framed = append(framed, lenPrefix[:]...)
		framed = append(framed, encoded...)
		p.stack.Push(encoded[:0])

		p.router.Dispatch(streamId, framed, p.stack)
		if ring := p.ring.Load(); ring != nil {
			ring.Push(now, nil, framed)
		}

		if sink := p.currentSink(); sink != nil {
			if err := sink.WriteSample(sample); err != nil {
				p.logger.Error("writing sample to recording", "error", err)
			}
		}
	}
}

const samplingPeriod = 100 * time.Millisecond

func putUint32(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
