package runtime

import (
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"github.com/nishisan-dev/kairos-edge/internal/buffers"
	"github.com/nishisan-dev/kairos-edge/internal/convert"
	"github.com/nishisan-dev/kairos-edge/internal/ids"
	"github.com/nishisan-dev/kairos-edge/internal/protocol"
	"github.com/nishisan-dev/kairos-edge/internal/recording"
	"github.com/nishisan-dev/kairos-edge/internal/router"
)

// StateHub fans out change notifications to any number of subscribers
// without ever blocking the publisher: each subscriber gets a buffered,
// signal-only channel of size 1, so a slow or idle reader simply coalesces
// updates into "something changed, re-read the snapshot" rather than being
// handed a queue of stale payloads. This matches the tolerance for dropped
// intermediate updates that a level-triggered push like SharedClientState
// calls for: a subscriber that wakes up always re-reads the latest snapshot,
// so a coalesced notification loses nothing observable.
type StateHub struct {
	mu   sync.Mutex
	subs map[ids.ClientId]chan struct{}
}

func newStateHub() *StateHub {
	return &StateHub{subs: make(map[ids.ClientId]chan struct{})}
}

// Subscribe registers clientId for notifications and returns its channel.
func (h *StateHub) Subscribe(clientId ids.ClientId) <-chan struct{} {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	h.subs[clientId] = ch
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes clientId; safe to call even if never subscribed.
func (h *StateHub) Unsubscribe(clientId ids.ClientId) {
	h.mu.Lock()
	delete(h.subs, clientId)
	h.mu.Unlock()
}

// Subscribers returns every currently-subscribed ClientId, used by the
// observability endpoints to list connected sessions (a session subscribes
// to ClientStateHub for its whole lifetime, so this doubles as the
// connected-clients set).
func (h *StateHub) Subscribers() []ids.ClientId {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ids.ClientId, 0, len(h.subs))
	for id := range h.subs {
		out = append(out, id)
	}
	return out
}

// Notify wakes every current subscriber, dropping the signal for any
// subscriber whose channel is already full (it will still see the latest
// state on its next read, it just doesn't need a second wake-up).
func (h *StateHub) Notify() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Server is the process-wide context shared by every Station and every
// Client Connection: the packet/sample/control buffer pools, the fan-out
// router, the recordings registry and the two state hubs a session
// subscribes to for push updates.
type Server struct {
	DataDirectory string

	Router *router.Router

	PacketStack  *buffers.Stack
	SampleStack  *buffers.Stack
	ControlStack *buffers.Stack

	Registry *recording.Registry

	// Convert is the Conversion Job's worker, wired in by cmd/kairos-edge
	// after construction so a session's CancelConvert handler can reach an
	// in-flight conversion. It is nil in tests that never queue a
	// conversion.
	Convert *convert.Worker

	Devices ids.DeviceCounter
	Clients ids.ClientCounter

	ClientStateHub     *StateHub
	RecordingsStateHub *StateHub

	// MaximumClientBufferCount bounds every per-client Router subscription
	// channel.
	MaximumClientBufferCount int

	logger *slog.Logger

	mu       sync.Mutex
	stations map[ids.DeviceId]*Station

	diskKnown          bool
	diskAvailableBytes uint64
	diskTotalBytes     uint64
	errors             []string
}

// defaultPacketPoolCount is the default 1 GiB buffering budget divided by
// the maximum packet length.
const defaultPacketPoolCount = (1 << 30) / protocol.PacketMaximumLength

// NewServer builds a Server rooted at dataDirectory. The packet and sample
// stacks are preallocated to a fixed buffer count — the fan-out path drops
// rather than allocates once every pooled buffer is in flight, which is what
// bounds client-facing memory irrespective of connected-client count; the
// control stack serves only the record-state push loop's scratch and stays
// an allocate-on-empty pool.
func NewServer(dataDirectory string, logger *slog.Logger) *Server {
	r := router.New()
	// Cap admission at twice the packet cadence: a client whose channel
	// drains but pathologically slowly per-packet still cannot consume more
	// than a couple of ticks' worth of Dispatch time.
	r.SetAdmissionLimit(protocol.PacketFrequencyHz*2, int(protocol.PacketFrequencyHz*2))
	packetStack := buffers.NewStack()
	// Defaults sized for the default 1 GiB buffering budget; cmd/kairos-edge
	// re-preallocates from the --maximum-clients-buffering-memory flag.
	packetStack.Preallocate(defaultPacketPoolCount)
	sampleStack := buffers.NewStack()
	sampleStack.Preallocate(protocol.SampleStackLength)
	return &Server{
		DataDirectory:            dataDirectory,
		Router:                   r,
		PacketStack:              packetStack,
		SampleStack:              sampleStack,
		ControlStack:             buffers.NewStack(),
		Registry:                 recording.NewRegistry(dataDirectory),
		ClientStateHub:           newStateHub(),
		RecordingsStateHub:       newStateHub(),
		MaximumClientBufferCount: 60,
		logger:                   logger,
		stations:                 make(map[ids.DeviceId]*Station),
	}
}

// RecordingsDirectory is the recordings/ subdirectory of DataDirectory.
func (srv *Server) RecordingsDirectory() string {
	return filepath.Join(srv.DataDirectory, recording.RecordingsDirectoryName)
}

// ConvertedRecordingsDirectory is the converted-recordings/ subdirectory.
func (srv *Server) ConvertedRecordingsDirectory() string {
	return filepath.Join(srv.DataDirectory, recording.ConvertedRecordingsDirectoryName)
}

// AddStation registers a newly enumerated device's Station.
func (srv *Server) AddStation(st *Station) {
	srv.mu.Lock()
	srv.stations[st.DeviceId] = st
	srv.mu.Unlock()
	srv.NotifyClientStateChanged()
}

// RemoveStation drops a disconnected device's Station.
func (srv *Server) RemoveStation(deviceId ids.DeviceId) {
	srv.mu.Lock()
	delete(srv.stations, deviceId)
	srv.mu.Unlock()
	srv.NotifyClientStateChanged()
}

// Station looks up a device's Station, or ok=false if unknown.
func (srv *Server) Station(deviceId ids.DeviceId) (*Station, bool) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	st, ok := srv.stations[deviceId]
	return st, ok
}

// Stations returns every registered Station, sorted by device id for stable
// SharedClientState output.
func (srv *Server) Stations() []*Station {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	out := make([]*Station, 0, len(srv.stations))
	for _, st := range srv.stations {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceId < out[j].DeviceId })
	return out
}

// SetDiskSpace updates the disk-space figures pushed in SharedClientState;
// called by the disk-space poller (see internal/diskstat).
func (srv *Server) SetDiskSpace(availableBytes, totalBytes uint64) {
	srv.mu.Lock()
	srv.diskKnown = true
	srv.diskAvailableBytes = availableBytes
	srv.diskTotalBytes = totalBytes
	srv.mu.Unlock()
	srv.NotifyClientStateChanged()
}

// SetErrors replaces the server-wide sticky error list, surfaced to every
// client rather than only the one whose command triggered them.
func (srv *Server) SetErrors(errs []string) {
	srv.mu.Lock()
	srv.errors = errs
	srv.mu.Unlock()
	srv.NotifyClientStateChanged()
}

// AddError appends one operator-facing error (e.g. a failed conversion) to
// the sticky error list and notifies every connected client, rather than
// requiring a full SetErrors replacement for a single new condition.
func (srv *Server) AddError(msg string) {
	srv.mu.Lock()
	srv.errors = append(srv.errors, msg)
	srv.mu.Unlock()
	srv.NotifyClientStateChanged()
}

// NotifyClientStateChanged wakes every session subscribed to ClientStateHub.
func (srv *Server) NotifyClientStateChanged() { srv.ClientStateHub.Notify() }

// NotifyRecordingsChanged wakes every session subscribed to RecordingsStateHub.
func (srv *Server) NotifyRecordingsChanged() { srv.RecordingsStateHub.Notify() }

// ClientState renders the current SharedClientState snapshot.
func (srv *Server) ClientState() protocol.SharedClientState {
	srv.mu.Lock()
	diskKnown, available, total := srv.diskKnown, srv.diskAvailableBytes, srv.diskTotalBytes
	errs := append([]string(nil), srv.errors...)
	srv.mu.Unlock()

	stations := srv.Stations()
	devices := make([]protocol.Device, 0, len(stations))
	for _, st := range stations {
		devices = append(devices, st.Describe())
	}

	state := protocol.SharedClientState{
		DataDirectory: srv.DataDirectory,
		Devices:       devices,
		Errors:        errs,
	}
	if diskKnown {
		state.DiskAvailableBytes = &available
		state.DiskTotalBytes = &total
	}
	return state
}

// RecordingsState renders the current SharedRecordingsState snapshot from
// the recordings registry, sorted by name for stable output.
func (srv *Server) RecordingsState() protocol.SharedRecordingsState {
	entries := srv.Registry.Snapshot()
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	out := make([]protocol.RecordingInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, protocol.RecordingInfo{
			Name:      e.Name,
			SizeBytes: e.SizeBytes,
			State:     e.State(),
			Zip:       e.Zip,
		})
	}
	return protocol.SharedRecordingsState{Recordings: out}
}
