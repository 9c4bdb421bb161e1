// Package device implements the per-device producer loop: packetization,
// event-rate estimation, auto-trigger/auto-stop, lookback buffering and the
// illuminance sampler loop for EVK4-style ambient light sensors.
package device

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/nishisan-dev/kairos-edge/internal/ids"
)

// ConfigurationSnapshot is one immutable revision of a device's
// client-applied configuration. The owning coordinator installs a fresh
// pointer on every update (copy-on-write), so lookback items referencing a
// snapshot can detect a configuration change by pointer inequality alone,
// at O(1) cost per push.
type ConfigurationSnapshot struct {
	Raw json.RawMessage
}

// ConfigurationJSON returns the snapshot's raw JSON form.
func (c *ConfigurationSnapshot) ConfigurationJSON() []byte { return c.Raw }

// Trigger records why a recording was started.
type Trigger int

const (
	TriggerManual Trigger = iota
	TriggerAuto
)

// RecordAction is the tagged union of what a producer should do about
// recording on its next configuration application: keep the current state,
// start a new recording with the given name, or stop the current one.
type RecordAction struct {
	Kind StartStopContinue
	Name string
}

// StartStopContinue enumerates RecordAction.Kind.
type StartStopContinue int

const (
	ActionContinue StartStopContinue = iota
	ActionStart
	ActionStop
)

// LookbackState mirrors the lookback configuration a client most recently
// requested; Producer.ApplyConfiguration stores it and reconfigures the
// lookback ring in the same call.
type LookbackState struct {
	Enabled           bool
	MaximumDurationUs uint64
	SizeBytes         uint64
}

// FileState names where an open recording is being written.
type FileState struct {
	Directory  string
	Name       string
	DurationUs uint64
	SizeBytes  uint64
}

// AutotriggerState is the auto-trigger/auto-stop telemetry pushed to
// clients in each sampler-stream Sample. Values are float32 to match the
// original 16-byte wire encoding (4 little-endian float32 fields).
type AutotriggerState struct {
	ShortValue float32
	LongValue  float32
	Ratio      float32
	Threshold  float32
}

// Merge combines incoming into the receiver using a max-merge on Ratio and
// Threshold while overwriting ShortValue/LongValue, matching the original
// device state's update_autotrigger_state: a reader that hasn't yet
// consumed a prior ratio/threshold must not lose a higher value that
// arrived since, but short/long are always the freshest sample.
func (a *AutotriggerState) Merge(incoming AutotriggerState) {
	a.ShortValue = incoming.ShortValue
	a.LongValue = incoming.LongValue
	if incoming.Ratio > a.Ratio {
		a.Ratio = incoming.Ratio
	}
	if incoming.Threshold > a.Threshold {
		a.Threshold = incoming.Threshold
	}
}

// RecordConfiguration is the full set of client-controllable recording
// behavior for one device: what to do about recording right now, and the
// lookback/autostop/autotrigger settings to apply going forward.
type RecordConfiguration struct {
	Action      RecordAction
	Lookback    LookbackState
	AutostopEnabled    bool
	AutostopDurationUs uint64
	AutotriggerEnabled bool
}

// EventThreadState is the full mutable state owned by one device's producer
// goroutine, guarded by its own mutex so HTTP/control-stream handlers can
// read a consistent snapshot without stalling the hot packetization path
// for longer than a lock acquisition.
type EventThreadState struct {
	mu sync.Mutex

	DeviceId ids.DeviceId

	OnEventRate  float64
	OffEventRate float64

	RisingTriggerCount  uint64
	FallingTriggerCount uint64

	Lookback    LookbackState
	File        FileState
	Autotrigger AutotriggerState

	Recording          bool
	RecordingStartedAt time.Time
	AutostopEnabled    bool
	AutostopDurationUs uint64
	AutotriggerEnabled bool

	// autostopReferenceT is the decoder timestamp auto-stop quiescence is
	// measured from: set once when a recording opens and slid forward only
	// when auto-trigger re-fires while already recording, the way the
	// original measures idle duration from previous_state.current_t()
	// rather than wall-clock time or elapsed recording duration.
	autostopReferenceT uint64

	// recordingStartT is the decoder timestamp at which the current
	// recording opened; File.DurationUs is measured against it.
	recordingStartT uint64
}

// Snapshot returns a copy of the state safe to read without holding the lock.
func (s *EventThreadState) Snapshot() EventThreadState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return EventThreadState{
		DeviceId:            s.DeviceId,
		OnEventRate:         s.OnEventRate,
		OffEventRate:        s.OffEventRate,
		RisingTriggerCount:  s.RisingTriggerCount,
		FallingTriggerCount: s.FallingTriggerCount,
		Lookback:            s.Lookback,
		File:                s.File,
		Autotrigger:         s.Autotrigger,
		Recording:           s.Recording,
		RecordingStartedAt:  s.RecordingStartedAt,
		AutostopEnabled:     s.AutostopEnabled,
		AutostopDurationUs:  s.AutostopDurationUs,
		AutotriggerEnabled:  s.AutotriggerEnabled,
		autostopReferenceT:  s.autostopReferenceT,
		recordingStartT:     s.recordingStartT,
	}
}

// WithLock runs fn with the state's mutex held.
func (s *EventThreadState) WithLock(fn func(*EventThreadState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

// TakeEventMetrics returns the current event-rate and auto-trigger
// telemetry plus the trigger counts accumulated since the last call,
// resetting the trigger counters and the auto-trigger telemetry to zero
// (the event-rate gauges are left as they are). This is the take-and-reset
// consumption the Sampler Producer performs each tick to merge the event
// thread's metrics into its own sample without the event thread ever
// waiting on the sampler.
func (s *EventThreadState) TakeEventMetrics() (onRate, offRate float64, risingCount, fallingCount uint64, autotrigger AutotriggerState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	onRate, offRate = s.OnEventRate, s.OffEventRate
	risingCount, fallingCount = s.RisingTriggerCount, s.FallingTriggerCount
	autotrigger = s.Autotrigger
	s.Autotrigger = AutotriggerState{}
	s.RisingTriggerCount = 0
	s.FallingTriggerCount = 0
	return
}
