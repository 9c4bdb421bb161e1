package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nishisan-dev/kairos-edge/internal/buffers"
	"github.com/nishisan-dev/kairos-edge/internal/device"
	"github.com/nishisan-dev/kairos-edge/internal/ids"
	"github.com/nishisan-dev/kairos-edge/internal/protocol"
	"github.com/nishisan-dev/kairos-edge/internal/runtime"
)

// Session runs one accepted client's control loop: the message stream,
// its subscriptions to the two shared-state hubs, the record-state push
// stream, and on-demand unidirectional data streams opened in response to
// StartStream commands.
type Session struct {
	id     ids.ClientId
	conn   Connection
	server *runtime.Server
	logger *slog.Logger
}

// New builds a Session for a freshly accepted connection.
func New(server *runtime.Server, conn Connection, logger *slog.Logger) *Session {
	id := server.Clients.Next()
	return &Session{
		id:     id,
		conn:   conn,
		server: server,
		logger: logger.With("component", "session", "client_id", uint32(id)),
	}
}

// Run drives the session until ctx is cancelled or the connection fails.
// It always performs full router/hub cleanup before returning.
func (s *Session) Run(ctx context.Context) error {
	ctrl, err := s.conn.AcceptStream(ctx)
	if err != nil {
		return fmt.Errorf("accepting control stream: %w", err)
	}

	header := protocol.StreamDescription(uint32(ids.ControlStreamId), protocol.MessageRecommendedBufferCount, protocol.MessageMaximumLength)
	if _, err := ctrl.Write(header[:]); err != nil {
		return fmt.Errorf("writing control stream header: %w", err)
	}

	recordState, err := s.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("opening record-state stream: %w", err)
	}
	rsHeader := protocol.StreamDescription(uint32(ids.RecordStateStreamId), protocol.MessageRecommendedBufferCount, protocol.MessageMaximumLength)
	if _, err := recordState.Write(rsHeader[:]); err != nil {
		return fmt.Errorf("writing record-state stream header: %w", err)
	}

	if err := s.sendClientState(ctrl); err != nil {
		return err
	}
	if err := s.sendRecordingsState(ctrl); err != nil {
		return err
	}

	clientStateCh := s.server.ClientStateHub.Subscribe(s.id)
	recordingsStateCh := s.server.RecordingsStateHub.Subscribe(s.id)
	defer s.server.ClientStateHub.Unsubscribe(s.id)
	defer s.server.RecordingsStateHub.Unsubscribe(s.id)
	defer s.server.Router.UnsubscribeAll(s.id)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	commands := make(chan protocol.ClientMessage)
	readErr := make(chan error, 1)
	go s.readLoop(runCtx, ctrl, commands, readErr)

	recordStateErr := make(chan error, 1)
	go s.recordStatePushLoop(runCtx, recordState, recordStateErr)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case err := <-recordStateErr:
			return err
		case msg := <-commands:
			if err := s.handle(runCtx, ctrl, msg); err != nil {
				s.logger.Warn("handling command", "type", msg.Type, "error", err)
			}
		case <-clientStateCh:
			if err := s.sendClientState(ctrl); err != nil {
				return err
			}
		case <-recordingsStateCh:
			if err := s.sendRecordingsState(ctrl); err != nil {
				return err
			}
		}
	}
}

func (s *Session) readLoop(ctx context.Context, ctrl Stream, out chan<- protocol.ClientMessage, errOut chan<- error) {
	for {
		var msg protocol.ClientMessage
		if err := protocol.ReadFramed(ctrl, &msg, protocol.MessageMaximumLength); err != nil {
			select {
			case errOut <- fmt.Errorf("reading control stream: %w", err):
			case <-ctx.Done():
			}
			return
		}
		select {
		case out <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// recordStatePushLoop sends one RecordStatePacket per device on every tick,
// skipping devices whose packet is byte-identical to the last one sent.
// Encodings cycle through the control-record buffer stack: a duplicate's
// buffer goes straight back, and a superseded last-sent buffer is recycled
// when a newer packet replaces it.
func (s *Session) recordStatePushLoop(ctx context.Context, stream SendStream, errOut chan<- error) {
	ticker := time.NewTicker(protocol.SamplingPeriod)
	defer ticker.Stop()

	last := make(map[ids.DeviceId][]byte)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, st := range s.server.Stations() {
				snap := st.Snapshot()
				packet := protocol.RecordStatePacket{
					DeviceId:           uint32(st.DeviceId),
					LookbackEnabled:    snap.Lookback.Enabled,
					LookbackDurationUs: snap.Lookback.MaximumDurationUs,
					LookbackSizeBytes:  snap.Lookback.SizeBytes,
					Name:               snap.File.Name,
					DurationUs:         snap.File.DurationUs,
					SizeBytes:          snap.File.SizeBytes,
				}
				encoded, err := packet.AppendEncode(s.server.ControlStack.Pop())
				if err != nil {
					continue
				}
				if bytesEqual(last[st.DeviceId], encoded) {
					s.server.ControlStack.Push(encoded[:0])
					continue
				}
				if _, err := stream.Write(encoded); err != nil {
					s.server.ControlStack.Push(encoded[:0])
					select {
					case errOut <- fmt.Errorf("writing record-state packet: %w", err):
					case <-ctx.Done():
					}
					return
				}
				if prev, ok := last[st.DeviceId]; ok {
					s.server.ControlStack.Push(prev[:0])
				}
				last[st.DeviceId] = encoded
			}
		}
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (s *Session) sendClientState(ctrl Stream) error {
	msg, err := protocol.NewClientStateMessage(s.server.ClientState())
	if err != nil {
		return err
	}
	return protocol.WriteFramed(ctrl, msg, protocol.MessageMaximumLength)
}

func (s *Session) sendRecordingsState(ctrl Stream) error {
	msg, err := protocol.NewRecordingsStateMessage(s.server.RecordingsState())
	if err != nil {
		return err
	}
	return protocol.WriteFramed(ctrl, msg, protocol.MessageMaximumLength)
}

// handle dispatches one decoded client command.
func (s *Session) handle(ctx context.Context, ctrl Stream, msg protocol.ClientMessage) error {
	switch msg.Type {
	case protocol.ClientMessagePing:
		_, err := ctrl.Write(protocol.PongBytes[:])
		return err

	case protocol.ClientMessageStartStream:
		return s.startStream(ctx, ids.StreamId(msg.StreamId))

	case protocol.ClientMessageUpdateConfiguration:
		return s.updateConfiguration(msg)

	case protocol.ClientMessageUpdateLookback:
		st, ok := s.server.Station(ids.DeviceId(msg.DeviceId))
		if !ok {
			return fmt.Errorf("unknown device %d", msg.DeviceId)
		}
		st.ApplyLookback(msg.Enabled, msg.MaximumDurationUs, msg.MaximumSizeBytes)
		return nil

	case protocol.ClientMessageUpdateAutostop:
		st, ok := s.server.Station(ids.DeviceId(msg.DeviceId))
		if !ok {
			return fmt.Errorf("unknown device %d", msg.DeviceId)
		}
		st.ApplyAutostop(msg.Enabled, msg.DurationUs)
		return nil

	case protocol.ClientMessageUpdateAutotrigger:
		st, ok := s.server.Station(ids.DeviceId(msg.DeviceId))
		if !ok {
			return fmt.Errorf("unknown device %d", msg.DeviceId)
		}
		st.ApplyAutotrigger(msg.Enabled, msg.Threshold)
		return nil

	case protocol.ClientMessageStartRecording:
		st, ok := s.server.Station(ids.DeviceId(msg.DeviceId))
		if !ok {
			return fmt.Errorf("unknown device %d", msg.DeviceId)
		}
		return st.StartRecording(msg.Name, device.TriggerManual)

	case protocol.ClientMessageStopRecording:
		st, ok := s.server.Station(ids.DeviceId(msg.DeviceId))
		if !ok {
			return fmt.Errorf("unknown device %d", msg.DeviceId)
		}
		return st.StopRecording()

	case protocol.ClientMessageConvert:
		s.server.Registry.Queue(msg.Names)
		s.server.NotifyRecordingsChanged()
		return nil

	case protocol.ClientMessageCancelConvert:
		s.server.Registry.CancelQueue(msg.Names)
		if s.server.Convert != nil {
			for _, name := range msg.Names {
				s.server.Convert.CancelActive(name)
			}
		}
		s.server.NotifyRecordingsChanged()
		return nil

	default:
		return fmt.Errorf("unknown command type %q", msg.Type)
	}
}

// updateConfiguration validates msg.Configuration against the addressed
// device's variant and applies it: lookback/autostop/autotrigger have their
// own dedicated command types, so what's left here is the opaque
// per-device-kind settings blob, stored on the Station and echoed back on
// every SharedClientState snapshot so a client can observe what was
// actually applied.
func (s *Session) updateConfiguration(msg protocol.ClientMessage) error {
	st, ok := s.server.Station(ids.DeviceId(msg.DeviceId))
	if !ok {
		return fmt.Errorf("unknown device %d", msg.DeviceId)
	}
	return st.ApplyConfiguration(msg.Configuration)
}

// startStream opens a unidirectional data stream toward the client and
// subscribes it in the router, draining the subscription until the stream
// write fails or ctx is cancelled. Every buffer received is returned to its
// stream's pool after the write (or on write failure), and once the
// subscription is removed the task keeps draining the closed channel so any
// in-flight buffers are recycled rather than leaked.
func (s *Session) startStream(ctx context.Context, streamId ids.StreamId) error {
	if streamId.Reserved() {
		return fmt.Errorf("stream %#x is reserved", uint32(streamId))
	}
	stream, err := s.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("opening data stream: %w", err)
	}
	recommended := protocol.PacketRecommendedBufferCount
	maxLength := uint32(protocol.PacketMaximumLength)
	if streamId.Index() == 1 {
		recommended = protocol.SampleStackLength
		maxLength = protocol.SampleRecordLength
	}
	header := protocol.StreamDescription(uint32(streamId), uint32(recommended), maxLength)
	if _, err := stream.Write(header[:]); err != nil {
		return fmt.Errorf("writing data stream header: %w", err)
	}

	ch, added := s.server.Router.Subscribe(streamId, s.id, s.server.MaximumClientBufferCount)
	if !added {
		stream.Close()
		return fmt.Errorf("already subscribed to stream %#x", uint32(streamId))
	}
	pool := s.poolForStream(streamId)
	go func() {
		defer stream.Close()
		defer func() {
			// Unsubscribe (the deferred call below) has closed the channel
			// by the time this runs; drain whatever is still queued and
			// recycle it.
			for data := range ch {
				pool.Push(data[:0])
			}
		}()
		defer s.server.Router.Unsubscribe(streamId, s.id)
		for {
			select {
			case <-ctx.Done():
				return
			case data, ok := <-ch:
				if !ok {
					return
				}
				_, err := stream.Write(data)
				pool.Push(data[:0])
				if err != nil {
					return
				}
			}
		}
	}()
	return nil
}

// poolForStream names the buffer stack whose buffers flow through streamId's
// subscription, so the stream task can return each one after writing it out.
func (s *Session) poolForStream(streamId ids.StreamId) *buffers.Stack {
	if streamId.Index() == 1 {
		return s.server.SampleStack
	}
	return s.server.PacketStack
}
