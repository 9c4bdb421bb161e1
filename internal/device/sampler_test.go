package device

import (
	"context"
	"testing"
	"time"

	"github.com/nishisan-dev/kairos-edge/internal/ids"
	"github.com/nishisan-dev/kairos-edge/internal/lookback"
	"github.com/nishisan-dev/kairos-edge/internal/router"
)

type fakeLux struct {
	value       float64
	temperature float64
}

func (f *fakeLux) ReadRawLux(ctx context.Context) (float64, error) {
	return f.value, nil
}

func (f *fakeLux) ReadTemperature(ctx context.Context) (float64, error) {
	return f.temperature, nil
}

func TestSamplerProducerStopsOnContextCancel(t *testing.T) {
	rtr := router.New()
	ring := lookback.NewSamplerRing(time.Second)
	eventState := &EventThreadState{}
	p := NewSamplerProducer(1, &fakeLux{value: 10, temperature: 21.5}, eventState, newTestStack(), rtr, ring, 1.0, 1.0, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()

	err := p.Run(ctx)
	if err == nil {
		t.Fatal("expected context deadline error")
	}
	if ring.Len() == 0 {
		t.Fatal("expected at least one sample pushed within 250ms at 100ms cadence")
	}
}

func TestSamplerForwardsAndResetsEventMetrics(t *testing.T) {
	rtr := router.New()
	eventState := &EventThreadState{}
	eventState.WithLock(func(s *EventThreadState) {
		s.OnEventRate = 12.5
		s.OffEventRate = 7.5
		s.RisingTriggerCount = 3
		s.FallingTriggerCount = 2
		s.Autotrigger = AutotriggerState{ShortValue: 1, LongValue: 2, Ratio: 3, Threshold: 4}
	})
	p := NewSamplerProducer(1, &fakeLux{value: 10, temperature: 21.5}, eventState, newTestStack(), rtr, nil, 1.0, 1.0, discardLogger())

	ch, _ := rtr.Subscribe(ids.NewStreamId(1, 1), 1, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	if err := p.Run(ctx); err == nil {
		t.Fatal("expected context deadline error")
	}

	var framed []byte
	select {
	case framed = <-ch:
	default:
		t.Fatal("expected a sample on the sampler stream")
	}
	sample := DecodeSample(framed[4:])
	if sample.RisingCount != 3 || sample.FallingCount != 2 {
		t.Fatalf("expected trigger counts forwarded from EventThreadState, got rising=%d falling=%d", sample.RisingCount, sample.FallingCount)
	}
	if sample.Temperature != 21.5 {
		t.Fatalf("expected temperature forwarded from the illuminance source, got %v", sample.Temperature)
	}

	_, _, risingCount, fallingCount, _ := eventState.TakeEventMetrics()
	if risingCount != 0 || fallingCount != 0 {
		t.Fatalf("expected trigger counts reset after the sampler consumed them, got rising=%d falling=%d", risingCount, fallingCount)
	}
}

func TestIlluminanceCalibration(t *testing.T) {
	got := Illuminance(2.0, 0.5, 8.0)
	want := 4.0 // (2*8)^0.5 = 16^0.5 = 4
	if got != want {
		t.Fatalf("got %v want %v", got, want)
	}
}
