package device

import (
	"context"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/kairos-edge/internal/buffers"
	"github.com/nishisan-dev/kairos-edge/internal/ids"
	"github.com/nishisan-dev/kairos-edge/internal/lookback"
	"github.com/nishisan-dev/kairos-edge/internal/protocol"
	"github.com/nishisan-dev/kairos-edge/internal/router"
)

// ProducerConfig tunes the packetization cadence and the auto-trigger
// decision.
type ProducerConfig struct {
	PacketFrequencyHz float64
	ShortWindow       time.Duration
	LongWindow        time.Duration
	AutotriggerRatio  float64
	AutostopQuietUs   uint64
}

func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		PacketFrequencyHz: protocol.PacketFrequencyHz,
		ShortWindow:       time.Second,
		LongWindow:        30 * time.Second,
		AutotriggerRatio:  4.0,
		AutostopQuietUs:   5_000_000,
	}
}

// RecordingSink is the subset of the Recording Writer a producer needs;
// kept as an interface so the producer can be tested without disk I/O.
type RecordingSink interface {
	WritePacket(header protocol.PacketHeader, raw []byte) error
	WriteSample(sample Sample) error
	SizeBytes() int64
}

// Producer runs one device's blocking packetization loop: read from the
// adapter until a boundary, estimate event rate, drive the auto-trigger and
// auto-stop state machine, and fan the resulting packet out to subscribers,
// the lookback ring and (if recording) the recording sink.
type Producer struct {
	deviceId ids.DeviceId
	adapter  Adapter
	stack    *buffers.Stack
	router   *router.Router
	// ring is nil whenever lookback is disabled for this device; swapped
	// atomically since ApplyConfiguration is called from the owning
	// coordinator's goroutine while Run reads it from the producer's own
	// blocking loop.
	ring     atomic.Pointer[lookback.Ring]
	state    *EventThreadState
	cfg      ProducerConfig
	logger   *slog.Logger

	onRate      ewma
	offRate     ewma
	shortLn     ewma
	longLn      ewma

	// autotriggerThresholdBits holds math.Float64bits of the current
	// auto-trigger ratio threshold, settable at runtime via
	// SetAutotriggerThreshold independently of the fixed-at-construction
	// window widths (the short/long ewma smoothing factors are not
	// reconfigurable without resetting accumulated history, so only the
	// threshold is exposed as a live tunable, matching what a client's
	// UpdateAutotrigger command can meaningfully change mid-stream).
	autotriggerThresholdBits atomic.Uint64

	recording RecordingSink

	// lastT is the most recently observed decoder timestamp, updated after
	// every emitted packet. It is read (without the state mutex) by
	// SetRecordingSink to seed the autostop reference the instant a
	// recording opens, since that call runs on the owning coordinator's
	// goroutine rather than Run's.
	lastT atomic.Uint64

	// config is the copy-on-write per-device configuration snapshot
	// attached to every lookback item, so a prefill can detect a
	// configuration change between consecutive items by pointer inequality.
	config atomic.Pointer[ConfigurationSnapshot]

	// OnAutotrigger/OnAutostop notify the owning session coordinator that
	// the auto-trigger/auto-stop state machine wants a recording started or
	// stopped; the coordinator opens/closes the Recording Writer and calls
	// SetRecordingSink, keeping the producer itself free of file I/O.
	OnAutotrigger func(ids.DeviceId)
	OnAutostop    func(ids.DeviceId)
}

// NewProducer builds a producer for deviceId reading from adapter.
func NewProducer(deviceId ids.DeviceId, adapter Adapter, stack *buffers.Stack, rtr *router.Router, ring *lookback.Ring, cfg ProducerConfig, logger *slog.Logger) *Producer {
	p := &Producer{
		deviceId: deviceId,
		adapter:  adapter,
		stack:    stack,
		router:   rtr,
		state:    &EventThreadState{DeviceId: deviceId},
		cfg:      cfg,
		logger:   logger.With("component", "event_producer", "device_id", uint32(deviceId)),
		onRate:   newEWMA(protocol.EventRateSamples),
		offRate:  newEWMA(protocol.EventRateSamples),
		shortLn:  newEWMA(6),
		longLn:   newEWMA(180),
	}
	p.ring.Store(ring)
	p.autotriggerThresholdBits.Store(math.Float64bits(cfg.AutotriggerRatio))
	return p
}

// SetAutotriggerThreshold updates the live auto-trigger ratio threshold,
// applied from the next tick onward.
func (p *Producer) SetAutotriggerThreshold(ratio float64) {
	p.autotriggerThresholdBits.Store(math.Float64bits(ratio))
}

// SetConfigurationSnapshot replaces the configuration snapshot attached to
// subsequently pushed lookback items. The snapshot is immutable once stored;
// a client update always installs a fresh pointer (copy-on-write).
func (p *Producer) SetConfigurationSnapshot(c *ConfigurationSnapshot) {
	p.config.Store(c)
}

// Ring returns the producer's current lookback ring, or nil if lookback is
// disabled. Used by the owning coordinator to prefill a freshly opened
// Recording with the ring's buffered pre-trigger history.
func (p *Producer) Ring() *lookback.Ring { return p.ring.Load() }

// SetRing atomically replaces the producer's lookback ring, or clears it
// with nil.
func (p *Producer) SetRing(r *lookback.Ring) { p.ring.Store(r) }

// State returns the producer's shared state for control-stream handlers.
func (p *Producer) State() *EventThreadState { return p.state }

// SetRecordingSink attaches (or clears, with nil) the writer packets are
// forwarded to while a recording is active; file names the open recording
// for the record-state stream and is zeroed on detach. On the nil->non-nil
// transition it seeds the auto-stop quiescence reference and the recording
// start timestamp from the last observed decoder timestamp exactly once, so
// auto-stop is measured from when the recording opened, not reset on every
// subsequent packet.
func (p *Producer) SetRecordingSink(sink RecordingSink, file FileState) {
	nowRecording := sink != nil
	p.state.WithLock(func(s *EventThreadState) {
		wasRecording := s.Recording
		p.recording = sink
		s.Recording = nowRecording
		if nowRecording {
			s.File = file
			if !wasRecording {
				t := p.lastT.Load()
				s.autostopReferenceT = t
				s.recordingStartT = t
			}
		} else {
			s.File = FileState{}
		}
	})
}

// currentSink reads the attached recording sink under the state lock, since
// SetRecordingSink runs on the owning coordinator's goroutine while Run
// reads it from the producer's own loop.
func (p *Producer) currentSink() RecordingSink {
	var sink RecordingSink
	p.state.WithLock(func(*EventThreadState) { sink = p.recording })
	return sink
}

// Run blocks, packetizing events until ctx is cancelled or the adapter
// returns an error. Each iteration slices the decoded stream at the next
// fixed-cadence data_buffer_end_t boundary, driven by a packet index
// counter rather than anything the event source reports: a single
// ReadBuffer call may deliver events spanning several such boundaries, in
// which case the inner loop below emits one packet per boundary crossed
// without reading from the source again.
func (p *Producer) Run(ctx context.Context) error {
	streamId := ids.NewStreamId(p.deviceId, 0)
	var state protocol.EVT3State
	lastBoundary := time.Now()
	var packetIndex uint64

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		buf := p.stack.Pop()
		endT := dataBufferEndT(packetIndex+1, p.cfg.PacketFrequencyHz)

		// The state at the first byte of this packet's payload is what a
		// consumer needs to decode the packet standalone; it goes into the
		// header as-is, before any of this packet's words advance it.
		startState := state

		var (
			out    = buf
			counts Counts
		)
		for {
			var (
				reached bool
				c       Counts
			)
			out, state, reached, c = p.adapter.DecodeUpTo(endT, out, state)
			counts.Add(c)
			if reached {
				break
			}
			if err := p.adapter.ReadBuffer(ctx); err != nil {
				p.stack.Push(out[:0])
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return err
			}
		}
		packetIndex++

		now := time.Now()
		elapsed := now.Sub(lastBoundary)
		lastBoundary = now

		p.updateRates(elapsed, counts)
		p.updateAutotrigger(elapsed, counts.On+counts.Off, state.T)

		header := protocol.PacketHeader{
			TotalLength:       uint32(protocol.PacketHeaderOverhead + len(out)),
			SystemTimeUs:      uint64(now.UnixMicro()),
			SystemTimestampUs: uint64(now.UnixMicro()),
			DecoderState:      startState,
			PacketEndTUs:      endT,
		}

		var framed []byte
		framed = header.Append(framed, out)

		p.router.Dispatch(streamId, framed, p.stack)
		if ring := p.ring.Load(); ring != nil {
			ring.Push(now, p.config.Load(), framed)
		}

		p.lastT.Store(state.T)
		p.evaluateAutostop(state.T)

		if sink := p.currentSink(); sink != nil {
			if err := sink.WritePacket(header, out); err != nil {
				p.logger.Error("writing packet to recording", "error", err)
			}
			size := sink.SizeBytes()
			p.state.WithLock(func(s *EventThreadState) {
				if !s.Recording {
					return
				}
				if state.T > s.recordingStartT {
					s.File.DurationUs = state.T - s.recordingStartT
				}
				s.File.SizeBytes = uint64(size)
			})
		}

		// out's backing array goes back to the shared pool only once the
		// recording write is done with it; framed stays with the lookback
		// ring (each subscriber got its own pooled copy in Dispatch).
		p.stack.Push(out[:0])
	}
}

// updateRates publishes the per-packet event rates and accumulates the
// external-trigger edge counts decoded from the stream, which the sampler
// consumes take-and-reset.
func (p *Producer) updateRates(elapsed time.Duration, counts Counts) {
	seconds := elapsed.Seconds()
	if seconds <= 0 {
		seconds = 1.0 / p.cfg.PacketFrequencyHz
	}
	p.onRate.update(float64(counts.On) / seconds)
	p.offRate.update(float64(counts.Off) / seconds)

	p.state.WithLock(func(s *EventThreadState) {
		s.OnEventRate = p.onRate.value
		s.OffEventRate = p.offRate.value
		s.RisingTriggerCount += uint64(counts.RisingTriggers)
		s.FallingTriggerCount += uint64(counts.FallingTriggers)
	})
}

// updateAutotrigger maintains the short/long ln-arithmetic geometric mean
// of the total event rate and compares their ratio to the configured
// threshold, the way the original's autotrigger state machine does. If the
// ratio crosses the threshold while a recording is already open, the
// auto-stop reference slides forward to currentT instead of firing a
// second OnAutotrigger, per the auto-trigger/auto-stop interaction.
func (p *Producer) updateAutotrigger(elapsed time.Duration, totalEvents int, currentT uint64) {
	seconds := elapsed.Seconds()
	if seconds <= 0 {
		seconds = 1.0 / p.cfg.PacketFrequencyHz
	}
	rate := float64(totalEvents) / seconds
	lnRate := math.Log(rate + 1)
	p.shortLn.update(lnRate)
	p.longLn.update(lnRate)

	shortValue := float32(math.Exp(p.shortLn.value))
	longValue := float32(math.Exp(p.longLn.value))
	ratio := float32(0)
	if p.longLn.value != 0 {
		ratio = float32(math.Exp(p.shortLn.value - p.longLn.value))
	}
	threshold := float32(math.Float64frombits(p.autotriggerThresholdBits.Load()))

	incoming := AutotriggerState{ShortValue: shortValue, LongValue: longValue, Ratio: ratio, Threshold: threshold}

	var shouldTrigger bool
	p.state.WithLock(func(s *EventThreadState) {
		s.Autotrigger.Merge(incoming)
		if !s.AutotriggerEnabled || ratio <= threshold {
			return
		}
		if s.Recording {
			// Already recording: a fresh trigger extends the quiescence
			// window instead of opening a second recording.
			s.autostopReferenceT = currentT
			return
		}
		shouldTrigger = true
	})
	if shouldTrigger {
		p.logger.Info("auto-trigger fired", "ratio", ratio, "threshold", threshold)
		if p.OnAutotrigger != nil {
			p.OnAutotrigger(p.deviceId)
		}
	}
}

// evaluateAutostop fires OnAutostop for the open recording, however it was
// started, when auto-stop is enabled and currentT has been quiescent (no forward progress beyond the configured quiet duration),
// measured against autostopReferenceT exactly as the original measures idle
// time from previous_state.current_t() rather than wall-clock time or
// elapsed recording duration. The reference is set once when the recording
// opens (SetRecordingSink) and slid forward only when auto-trigger re-fires
// while already recording (updateAutotrigger); Run must never touch it.
func (p *Producer) evaluateAutostop(currentT uint64) {
	var shouldStop bool
	p.state.WithLock(func(s *EventThreadState) {
		if !s.Recording || !s.AutostopEnabled {
			return
		}
		quietUs := currentT - s.autostopReferenceT
		if currentT > s.autostopReferenceT && quietUs >= s.AutostopDurationUs {
			shouldStop = true
		}
	})
	if shouldStop {
		p.logger.Info("auto-stop fired")
		if p.OnAutostop != nil {
			p.OnAutostop(p.deviceId)
		}
	}
}

// ApplyConfiguration applies a client-requested configuration update to the
// producer's shared state; RecordAction handling (start/stop) is performed
// by the owning session/recording coordinator, which calls SetRecordingSink
// once the Recording Writer has opened or closed the target files.
func (p *Producer) ApplyConfiguration(cfg RecordConfiguration) {
	p.state.WithLock(func(s *EventThreadState) {
		s.Lookback = cfg.Lookback
		s.AutostopEnabled = cfg.AutostopEnabled
		s.AutostopDurationUs = cfg.AutostopDurationUs
		s.AutotriggerEnabled = cfg.AutotriggerEnabled
	})

	if !cfg.Lookback.Enabled {
		p.ring.Store(nil)
		return
	}
	ringCfg := lookback.Config{
		MaximumDuration:  time.Duration(cfg.Lookback.MaximumDurationUs) * time.Microsecond,
		MaximumSizeBytes: int64(cfg.Lookback.SizeBytes),
	}
	if r := p.ring.Load(); r != nil {
		r.Configure(ringCfg)
		return
	}
	p.ring.Store(lookback.New(ringCfg))
}

// ewma is a simple exponential moving average with an N-sample-equivalent
// smoothing factor; no external stats dependency is warranted for a single
// multiply-add.
type ewma struct {
	alpha       float64
	value       float64
	initialized bool
}

func newEWMA(samples int) ewma {
	return ewma{alpha: 2.0 / float64(samples+1)}
}

func (e *ewma) update(sample float64) {
	if !e.initialized {
		e.value = sample
		e.initialized = true
		return
	}
	e.value += e.alpha * (sample - e.value)
}
