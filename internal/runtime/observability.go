package runtime

// This file backs the process's observability endpoints, GET /debug/sessions
// and GET /debug/metrics: snapshots of connected clients, buffer-stack
// pool depths, and per-station lookback-ring depths.

// SessionSummary describes one connected client for the sessions endpoint.
type SessionSummary struct {
	ClientId       uint32 `json:"client_id"`
	DroppedPackets uint64 `json:"dropped_packets"`
}

// SessionsSnapshot lists every client currently subscribed to
// ClientStateHub, which a Session holds for its entire connected lifetime,
// together with its router drop counter.
func (srv *Server) SessionsSnapshot() []SessionSummary {
	subs := srv.ClientStateHub.Subscribers()
	out := make([]SessionSummary, 0, len(subs))
	for _, id := range subs {
		out = append(out, SessionSummary{
			ClientId:       uint32(id),
			DroppedPackets: srv.Router.DroppedCount(id),
		})
	}
	return out
}

// BufferStackMetrics reports one buffer stack's current pool depth.
type BufferStackMetrics struct {
	Name   string `json:"name"`
	Length int    `json:"length"`
}

// DeviceMetrics reports one Station's lookback-ring depth, the quantity an
// operator watches to confirm lookback is actually accumulating pre-trigger
// history.
type DeviceMetrics struct {
	DeviceId             uint32 `json:"device_id"`
	EventLookbackItems   int    `json:"event_lookback_items"`
	EventLookbackBytes   int64  `json:"event_lookback_bytes"`
	SamplerLookbackItems int    `json:"sampler_lookback_items,omitempty"`
}

// MetricsSnapshot is the full JSON body of GET /debug/metrics.
type MetricsSnapshot struct {
	ConnectedClients int                  `json:"connected_clients"`
	BufferStacks     []BufferStackMetrics `json:"buffer_stacks"`
	Devices          []DeviceMetrics      `json:"devices"`
}

// MetricsSnapshot renders the buffer-stack pool depths and per-device
// lookback depths for the metrics endpoint.
func (srv *Server) MetricsSnapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ConnectedClients: len(srv.ClientStateHub.Subscribers()),
		BufferStacks: []BufferStackMetrics{
			{Name: "packet", Length: srv.PacketStack.Len()},
			{Name: "sample", Length: srv.SampleStack.Len()},
			{Name: "control", Length: srv.ControlStack.Len()},
		},
	}
	for _, st := range srv.Stations() {
		dm := DeviceMetrics{DeviceId: uint32(st.DeviceId)}
		if ring := st.producer.Ring(); ring != nil {
			dm.EventLookbackItems = ring.Len()
			dm.EventLookbackBytes = ring.SizeBytes()
		}
		if st.sampler != nil {
			if ring := st.sampler.Ring(); ring != nil {
				dm.SamplerLookbackItems = ring.Len()
			}
		}
		snap.Devices = append(snap.Devices, dm)
	}
	return snap
}
