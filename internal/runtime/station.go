// Package runtime wires the leaf components (buffers, router, lookback,
// device producers, recording writer) into the two coordinators a Client
// Connection talks to: a Station per enumerated camera, and a Server
// holding everything shared process-wide.
package runtime

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nishisan-dev/kairos-edge/internal/device"
	"github.com/nishisan-dev/kairos-edge/internal/ids"
	"github.com/nishisan-dev/kairos-edge/internal/lookback"
	"github.com/nishisan-dev/kairos-edge/internal/protocol"
	"github.com/nishisan-dev/kairos-edge/internal/recording"
)

// Station owns everything that belongs to one enumerated camera: its Event
// Producer and Sampler Producer goroutines, the RecordConfiguration they
// are driven from, and the Recording currently open (if any).
//
// Producer and SamplerProducer here are two goroutines owned by one
// in-process Station rather than the original's two independent OS
// processes, so unlike a design that replays a (directory, name) tag
// between them, Station hands the very same *recording.Recording to both:
// they are already coordinated by a single mutex, so indirecting through a
// name comparison would add nothing. See DESIGN.md.
type Station struct {
	DeviceId ids.DeviceId
	Kind     string
	Serial   string
	Width    int
	Height   int

	server *Server

	producerCfg device.ProducerConfig

	producer *device.Producer
	sampler  *device.SamplerProducer // nil if the device has no illuminance sensor

	logger *slog.Logger

	mu          sync.Mutex
	lookback    device.LookbackState
	autostop    struct {
		enabled    bool
		durationUs uint64
	}
	autotrigger struct {
		enabled   bool
		threshold float64
	}
	current  *recording.Recording
	openName string

	// configuration is the last client-applied per-device-kind settings
	// blob, echoed back on protocol.Device.Configuration so a client can
	// read back what it successfully applied. variant is validated against
	// Kind before storing.
	configuration json.RawMessage
}

// NewStation builds a Station and wires its auto-trigger/auto-stop
// callbacks back into Server-driven recording start/stop.
func NewStation(server *Server, deviceId ids.DeviceId, kind, serial string, adapter device.Adapter, illum device.IlluminanceSource, cfg device.ProducerConfig, logger *slog.Logger) *Station {
	s := &Station{
		DeviceId:    deviceId,
		Kind:        kind,
		Serial:      serial,
		Width:       adapter.Width(),
		Height:      adapter.Height(),
		server:      server,
		producerCfg: cfg,
		logger:      logger.With("device_id", uint32(deviceId)),
	}
	s.producer = device.NewProducer(deviceId, adapter, server.PacketStack, server.Router, nil, cfg, logger)
	s.producer.OnAutotrigger = func(ids.DeviceId) { s.onAutotrigger() }
	s.producer.OnAutostop = func(ids.DeviceId) { s.onAutostop() }
	if illum != nil {
		s.sampler = device.NewSamplerProducer(deviceId, illum, s.producer.State(), server.SampleStack, server.Router, nil, 1.0, 1.0, logger)
	}
	return s
}

// SetIlluminanceCalibration updates the sampler's EVK4 calibration curve
// constants. NewStation starts the sampler at alpha=beta=1.0, and nothing in
// this module calls this with the device-defaults overlay's values.
func (s *Station) SetIlluminanceCalibration(alpha, beta float64) {
	if s.sampler != nil {
		s.sampler.SetCalibration(alpha, beta)
	}
}

// Producer exposes the event producer for Run()-ing on its own goroutine.
func (s *Station) Producer() *device.Producer { return s.producer }

// Sampler exposes the sampler producer for Run()-ing on its own goroutine,
// or nil if this device has no illuminance sensor.
func (s *Station) Sampler() *device.SamplerProducer { return s.sampler }

// ApplyLookback reconciles the device's lookback ring against a client's
// UpdateLookback command.
func (s *Station) ApplyLookback(enabled bool, maximumDurationUs, maximumSizeBytes uint64) {
	s.mu.Lock()
	s.lookback = device.LookbackState{Enabled: enabled, MaximumDurationUs: maximumDurationUs, SizeBytes: maximumSizeBytes}
	s.pushConfigurationLocked()
	s.mu.Unlock()
}

// ApplyAutostop updates the auto-stop quiescence duration.
func (s *Station) ApplyAutostop(enabled bool, durationUs uint64) {
	s.mu.Lock()
	s.autostop.enabled = enabled
	s.autostop.durationUs = durationUs
	s.pushConfigurationLocked()
	s.mu.Unlock()
}

// ApplyAutotrigger updates the auto-trigger enable flag and ratio threshold.
func (s *Station) ApplyAutotrigger(enabled bool, threshold float64) {
	s.mu.Lock()
	s.autotrigger.enabled = enabled
	s.autotrigger.threshold = threshold
	s.pushConfigurationLocked()
	s.mu.Unlock()
	if threshold > 0 {
		s.producer.SetAutotriggerThreshold(threshold)
	}
}

// deviceConfiguration is the per-device-kind configuration shape this
// server understands: an optional Kind guard (rejected if it names a
// different variant than the station's own) plus an opaque Settings blob
// stored as-is and echoed back to clients, since this server has no
// per-kind settings of its own to interpret beyond validating the variant
// match the spec calls for.
type deviceConfiguration struct {
	Kind     string          `json:"kind,omitempty"`
	Settings json.RawMessage `json:"settings,omitempty"`
}

// ApplyConfiguration validates raw against the station's device kind and,
// if it matches (or names no kind at all), stores it as the station's
// current configuration so it is echoed back on every subsequent
// SharedClientState snapshot via Describe. An empty raw clears the stored
// configuration.
func (s *Station) ApplyConfiguration(raw json.RawMessage) error {
	if len(raw) == 0 {
		s.mu.Lock()
		s.configuration = nil
		s.producer.SetConfigurationSnapshot(nil)
		s.mu.Unlock()
		s.server.NotifyClientStateChanged()
		return nil
	}
	var cfg deviceConfiguration
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("decoding configuration: %w", err)
	}
	if cfg.Kind != "" && cfg.Kind != s.Kind {
		return fmt.Errorf("configuration targets variant %q, device %d is %q", cfg.Kind, s.DeviceId, s.Kind)
	}

	s.mu.Lock()
	s.configuration = append(json.RawMessage(nil), raw...)
	// Install a fresh copy-on-write snapshot so lookback items pushed from
	// here on reference the new configuration by pointer.
	s.producer.SetConfigurationSnapshot(&device.ConfigurationSnapshot{Raw: s.configuration})
	current := s.current
	s.mu.Unlock()
	if current != nil {
		if err := current.AppendConfigurationUpdate(time.Now(), string(raw)); err != nil {
			s.logger.Error("appending configuration update to recording metadata", "error", err)
		}
	}
	s.server.NotifyClientStateChanged()
	return nil
}

// pushConfigurationLocked applies the station's full configuration to the
// producer and reconciles both lookback rings. Call with s.mu held.
func (s *Station) pushConfigurationLocked() {
	cfg := device.RecordConfiguration{
		Lookback:           s.lookback,
		AutostopEnabled:    s.autostop.enabled,
		AutostopDurationUs: s.autostop.durationUs,
		AutotriggerEnabled: s.autotrigger.enabled,
	}
	s.producer.ApplyConfiguration(cfg)
	if s.sampler == nil {
		return
	}
	if !s.lookback.Enabled {
		s.sampler.SetRing(nil)
		return
	}
	maxDuration := time.Duration(s.lookback.MaximumDurationUs) * time.Microsecond
	if r := s.sampler.Ring(); r != nil {
		r.Configure(lookback.Config{MaximumDuration: maxDuration})
		return
	}
	s.sampler.SetRing(lookback.NewSamplerRing(maxDuration))
}

// triggerName renders a device.Trigger for the recording metadata sidecar.
func triggerName(t device.Trigger) string {
	if t == device.TriggerAuto {
		return "auto"
	}
	return "manual"
}

// StartRecording opens a new recording named name, closing any currently
// open one first, and prefills it from whichever lookback rings are
// currently active.
func (s *Station) StartRecording(name string, trigger device.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startRecordingLocked(name, trigger)
}

func (s *Station) startRecordingLocked(name string, trigger device.Trigger) error {
	if s.current != nil {
		s.closeRecordingLocked()
	}

	trig := recording.TriggerMetadata{Mode: triggerName(trigger)}
	if trigger == device.TriggerAuto {
		trig.ShortWindowUs = uint64(s.producerCfg.ShortWindow / time.Microsecond)
		trig.LongWindowUs = uint64(s.producerCfg.LongWindow / time.Microsecond)
		trig.Threshold = s.autotrigger.threshold
		if trig.Threshold == 0 {
			trig.Threshold = s.producerCfg.AutotriggerRatio
		}
	}
	meta := recording.Metadata{
		Name:      name,
		Timestamp: time.Now(),
		Trigger:   trig,
		Device: recording.DeviceMetadata{
			Kind:   s.Kind,
			Serial: s.Serial,
			Width:  s.Width,
			Height: s.Height,
		},
		InitialConfiguration: s.configuration,
	}
	rec, err := recording.Open(s.server.RecordingsDirectory(), name, meta, s.sampler != nil, s.server.AddError, s.logger)
	if err != nil {
		return fmt.Errorf("opening recording %s: %w", name, err)
	}

	if ring := s.producer.Ring(); ring != nil {
		if err := rec.Prefill(ring.Snapshot()); err != nil {
			s.logger.Error("prefilling recording from event lookback", "error", err)
		}
	}
	if s.sampler != nil {
		if ring := s.sampler.Ring(); ring != nil {
			for _, item := range ring.Snapshot() {
				if len(item.Bytes) < 4 {
					continue
				}
				if err := rec.WriteSamplePayload(item.Bytes[4:]); err != nil {
					s.logger.Error("prefilling recording from sampler lookback", "error", err)
					break
				}
			}
		}
	}

	s.current = rec
	s.openName = name
	s.producer.SetRecordingSink(rec, device.FileState{
		Directory: s.server.RecordingsDirectory(),
		Name:      name,
	})
	if s.sampler != nil {
		s.sampler.SetRecordingSink(rec)
	}
	s.server.Registry.SetOpen(name, true)
	s.server.NotifyRecordingsChanged()
	return nil
}

// StopRecording closes the currently open recording, if any.
func (s *Station) StopRecording() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	return s.closeRecordingLocked()
}

func (s *Station) closeRecordingLocked() error {
	if s.current == nil {
		return nil
	}
	name := s.openName
	s.producer.SetRecordingSink(nil, device.FileState{})
	if s.sampler != nil {
		s.sampler.SetRecordingSink(nil)
	}
	err := s.current.Close()
	s.current = nil
	s.openName = ""
	s.server.Registry.SetOpen(name, false)
	s.server.Registry.Rescan()
	s.server.NotifyRecordingsChanged()
	return err
}

// Snapshot returns the producer's event-thread state, used to build
// SharedClientState and the record-state stream.
func (s *Station) Snapshot() device.EventThreadState {
	return s.producer.State().Snapshot()
}

// Describe renders the station as a protocol.Device for SharedClientState.
func (s *Station) Describe() protocol.Device {
	s.mu.Lock()
	cfg := s.configuration
	s.mu.Unlock()
	return protocol.Device{
		Id:            uint32(s.DeviceId),
		Kind:          s.Kind,
		Serial:        s.Serial,
		Width:         s.Width,
		Height:        s.Height,
		Configuration: cfg,
	}
}

func (s *Station) onAutotrigger() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return
	}
	name := fmt.Sprintf("%s-auto-%d", s.Serial, time.Now().UnixNano())
	if err := s.startRecordingLocked(name, device.TriggerAuto); err != nil {
		s.logger.Error("opening auto-triggered recording", "error", err)
	}
}

func (s *Station) onAutostop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return
	}
	if err := s.closeRecordingLocked(); err != nil {
		s.logger.Error("closing auto-stopped recording", "error", err)
	}
}
