package recording

import (
	"sync"
)

// ConvertPhase is the conversion-job lifecycle of one recording stem,
// layered on top of its on-disk completeness (Entry.Recorded) and whether a
// ZIP already exists (Entry.Zip).
type ConvertPhase int

const (
	PhaseNone ConvertPhase = iota
	PhaseQueued
	PhaseConverting
)

// Entry describes one recording stem for the purposes of
// SharedRecordingsState and the Conversion Job's queue.
type Entry struct {
	Name      string
	SizeBytes int64
	Recorded  bool
	Recording bool
	Zip       bool
	Phase     ConvertPhase
}

// State renders e's lifecycle as the string protocol.RecordingInfo expects.
func (e Entry) State() string {
	switch {
	case e.Recording:
		return "recording"
	case e.Phase == PhaseConverting:
		return "converting"
	case e.Phase == PhaseQueued:
		return "queued"
	default:
		return "complete"
	}
}

// SetOpen records that a recording named name is currently open (producer
// is actively writing it) or has just closed. The event producer's
// coordinator calls this around Open/Close so SharedRecordingsState
// reflects "recording" immediately, without waiting for the next Rescan.
func (r *Registry) SetOpen(name string, open bool) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		e = &Entry{Name: name}
		r.entries[name] = e
	}
	e.Recording = open
	return r.snapshotLocked()
}

// Registry tracks every recording stem under one data directory's
// recordings/ and converted-recordings/ subdirectories, plus the
// in-memory conversion-queue phase the conversion worker advances. It is
// the shared recordings state every session and the HTTP surface read from.
type Registry struct {
	dataDirectory string

	mu      sync.Mutex
	entries map[string]*Entry

	// notify is signalled (non-blocking) whenever the queue may have new
	// work, waking the Conversion Job's single worker.
	notify chan struct{}
}

// NewRegistry returns a Registry rooted at dataDirectory. Call Rescan once
// at startup (after recording.RecoverStartup) to populate it from disk.
func NewRegistry(dataDirectory string) *Registry {
	return &Registry{
		dataDirectory: dataDirectory,
		entries:       make(map[string]*Entry),
		notify:        make(chan struct{}, 1),
	}
}

// NotifyChannel returns the channel the Conversion Job selects on; it
// receives a value (at most one pending) whenever Queue marks new work.
// CancelQueue does not signal it.
func (r *Registry) NotifyChannel() <-chan struct{} { return r.notify }

func (r *Registry) wake() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Rescan re-derives the disk-backed fields (Recorded, SizeBytes, Zip) for
// every stem found under recordings/ and converted-recordings/, preserving
// the in-memory Phase of any stem that is still present. Stems that have
// disappeared from disk (cannot happen in normal operation, but a stale
// queue entry should not wedge the registry) are dropped, unless they are
// still recording or carry a Phase other than PhaseNone.
func (r *Registry) Rescan() ([]Entry, error) {
	statuses, err := List(r.recordingsDir())
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(statuses))
	for _, st := range statuses {
		if st.State != StateComplete {
			continue
		}
		seen[st.Name] = true
		e, ok := r.entries[st.Name]
		if !ok {
			e = &Entry{Name: st.Name}
			r.entries[st.Name] = e
		}
		e.SizeBytes = st.SizeBytes
		e.Recorded = true
		_, e.Zip = ConvertedZipPath(r.dataDirectory, st.Name)
	}
	for name, e := range r.entries {
		if seen[name] || e.Recording || e.Phase != PhaseNone {
			continue
		}
		delete(r.entries, name)
	}
	return r.snapshotLocked(), nil
}

func (r *Registry) recordingsDir() string {
	return r.dataDirectory + "/" + RecordingsDirectoryName
}

// Snapshot returns every tracked entry, in no particular order.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() []Entry {
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	return out
}

// Queue marks every named, complete, not-already-zipped entry as Queued and
// wakes the conversion worker. Names that do not match a complete entry, or
// that already carry a ZIP, are ignored: converting an already-converted
// recording is a no-op.
func (r *Registry) Queue(names []string) []Entry {
	r.mu.Lock()
	changed := false
	for _, name := range names {
		e, ok := r.entries[name]
		if !ok || !e.Recorded || e.Zip || e.Phase != PhaseNone {
			continue
		}
		e.Phase = PhaseQueued
		changed = true
	}
	out := r.snapshotLocked()
	r.mu.Unlock()
	if changed {
		r.wake()
	}
	return out
}

// CancelQueue reverts every named Queued entry back to PhaseNone ("Complete"),
// leaving Converting entries untouched (cancellation of an in-flight
// conversion is signalled separately via the cancel flag the Conversion Job
// polls).
func (r *Registry) CancelQueue(names []string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		if e, ok := r.entries[name]; ok && e.Phase == PhaseQueued {
			e.Phase = PhaseNone
		}
	}
	return r.snapshotLocked()
}

// NextQueued returns the Queued entry whose name sorts first, or ok=false if
// none is queued.
func (r *Registry) NextQueued() (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var next *Entry
	for _, e := range r.entries {
		if e.Phase == PhaseQueued && (next == nil || e.Name < next.Name) {
			next = e
		}
	}
	if next == nil {
		return Entry{}, false
	}
	return *next, true
}

// MarkConverting transitions name from Queued to Converting.
func (r *Registry) MarkConverting(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		e.Phase = PhaseConverting
	}
}

// SettleConverting reverts every entry still in PhaseConverting back to
// PhaseNone, regardless of whether its conversion succeeded (Rescan, called
// afterwards, picks up whether the ZIP actually landed).
func (r *Registry) SettleConverting() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.Phase == PhaseConverting {
			e.Phase = PhaseNone
		}
	}
	return r.snapshotLocked()
}
