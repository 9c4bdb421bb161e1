package recording

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nishisan-dev/kairos-edge/internal/device"
	"github.com/nishisan-dev/kairos-edge/internal/lookback"
	"github.com/nishisan-dev/kairos-edge/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func testMetadata(name string) Metadata {
	return Metadata{
		Name:      name,
		Timestamp: time.Now(),
		Trigger:   TriggerMetadata{Mode: "manual"},
		Device:    DeviceMetadata{Kind: "evt3", Serial: "SN-1", Width: 1280, Height: 720},
	}
}

func TestOpenWritePacketClose(t *testing.T) {
	dir := t.TempDir()
	rec, err := Open(dir, "rec1", testMetadata("rec1"), false, nil, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "rec1"+RawFileExtension+writeSuffix)); err != nil {
		t.Fatalf("expected staged raw file present: %v", err)
	}

	header := protocol.PacketHeader{TotalLength: 10, SystemTimeUs: 1, SystemTimestampUs: 1}
	if err := rec.WritePacket(header, []byte("events")); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}

	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	for _, ext := range []string{RawFileExtension, IndexFileExtension, MetadataFileExtension} {
		if _, err := os.Stat(filepath.Join(dir, "rec1"+ext)); err != nil {
			t.Fatalf("expected final %s file present: %v", ext, err)
		}
		if _, err := os.Stat(filepath.Join(dir, "rec1"+ext+writeSuffix)); !os.IsNotExist(err) {
			t.Fatalf("expected staged %s file gone after close", ext)
		}
	}
}

func TestOpenWritesMagicHeaders(t *testing.T) {
	dir := t.TempDir()
	meta := testMetadata("rec3")
	meta.Device.Width = 640
	meta.Device.Height = 480
	rec, err := Open(dir, "rec3", meta, false, nil, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "rec3"+RawFileExtension))
	if err != nil {
		t.Fatalf("reading raw file: %v", err)
	}
	wantPrefix := append([]byte(RawMagic), 0, FormatEVT3, 640&0xff, 640>>8, 480&0xff, 480>>8)
	if !bytes.Equal(raw, wantPrefix) {
		t.Fatalf("raw file header = %x, want %x", raw, wantPrefix)
	}

	index, err := os.ReadFile(filepath.Join(dir, "rec3"+IndexFileExtension))
	if err != nil {
		t.Fatalf("reading index file: %v", err)
	}
	wantIndexPrefix := append([]byte(IndexMagic), 0, FormatEVT3)
	if !bytes.Equal(index, wantIndexPrefix) {
		t.Fatalf("index file header = %x, want %x", index, wantIndexPrefix)
	}
}

func TestMetadataCarriesTriggerDeviceAndConfigurationBlocks(t *testing.T) {
	dir := t.TempDir()
	meta := Metadata{
		Name:      "rec6",
		Timestamp: time.Now(),
		Trigger: TriggerMetadata{
			Mode:          "auto",
			ShortWindowUs: 1_000_000,
			LongWindowUs:  30_000_000,
			Threshold:     4.0,
		},
		Device:               DeviceMetadata{Kind: "evt3", Serial: "SN-9", Width: 1280, Height: 720},
		InitialConfiguration: json.RawMessage(`{"kind":"evt3","settings":{"bias":5}}`),
	}
	rec, err := Open(dir, "rec6", meta, false, nil, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "rec6"+MetadataFileExtension))
	if err != nil {
		t.Fatalf("reading metadata file: %v", err)
	}
	for _, want := range []string{
		"[trigger]",
		`mode = "auto"`,
		"threshold = 4.0",
		"[device]",
		`serial = "SN-9"`,
		"[evt3Configuration.configuration]",
	} {
		if !bytes.Contains(raw, []byte(want)) {
			t.Fatalf("metadata missing %q in %q", want, raw)
		}
	}
}

func TestPrefillWritesRingItemsBeforeLiveTraffic(t *testing.T) {
	dir := t.TempDir()
	rec, err := Open(dir, "rec4", testMetadata("rec4"), false, nil, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	header := protocol.PacketHeader{TotalLength: 10, SystemTimeUs: 5, SystemTimestampUs: 5, PacketEndTUs: 100}
	var framed []byte
	framed = header.Append(framed, []byte("abc"))

	ring := lookback.New(lookback.Config{MaximumDuration: time.Minute})
	ring.Push(time.Now(), nil, framed)

	if err := rec.Prefill(ring.Snapshot()); err != nil {
		t.Fatalf("Prefill: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "rec4"+RawFileExtension))
	if err != nil {
		t.Fatalf("reading raw file: %v", err)
	}
	if !bytes.HasSuffix(raw, []byte("abc")) {
		t.Fatalf("expected prefilled raw bytes to end with the ring item's payload, got %x", raw)
	}
}

func TestPrefillEmitsConfigurationUpdateOnPointerChange(t *testing.T) {
	dir := t.TempDir()
	rec, err := Open(dir, "rec7", testMetadata("rec7"), false, nil, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	header := protocol.PacketHeader{TotalLength: 10}
	var framed []byte
	framed = header.Append(framed, []byte("ab"))

	first := &device.ConfigurationSnapshot{Raw: json.RawMessage(`{"bias":1}`)}
	second := &device.ConfigurationSnapshot{Raw: json.RawMessage(`{"bias":2}`)}
	ring := lookback.New(lookback.Config{MaximumDuration: time.Minute})
	ring.Push(time.Now(), first, framed)
	ring.Push(time.Now(), first, framed)
	ring.Push(time.Now(), second, framed)

	if err := rec.Prefill(ring.Snapshot()); err != nil {
		t.Fatalf("Prefill: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "rec7"+MetadataFileExtension))
	if err != nil {
		t.Fatalf("reading metadata file: %v", err)
	}
	if n := bytes.Count(raw, []byte("[[evt3ConfigurationUpdates.configuration_updates]]")); n != 1 {
		t.Fatalf("expected exactly 1 configuration-update block (one pointer change), got %d in %q", n, raw)
	}
	if !bytes.Contains(raw, []byte(`{\"bias\":2}`)) {
		t.Fatalf("expected the changed configuration recorded, got %q", raw)
	}
}

func TestAppendConfigurationUpdateAccumulatesBlocks(t *testing.T) {
	dir := t.TempDir()
	rec, err := Open(dir, "rec5", testMetadata("rec5"), false, nil, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := rec.AppendConfigurationUpdate(time.Now(), `{"bias":7}`); err != nil {
		t.Fatalf("AppendConfigurationUpdate: %v", err)
	}
	if err := rec.AppendConfigurationUpdate(time.Now(), `{"bias":9}`); err != nil {
		t.Fatalf("AppendConfigurationUpdate: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "rec5"+MetadataFileExtension))
	if err != nil {
		t.Fatalf("reading metadata file: %v", err)
	}
	if n := bytes.Count(raw, []byte("[[evt3ConfigurationUpdates.configuration_updates]]")); n != 2 {
		t.Fatalf("expected 2 configuration-update blocks, got %d in %q", n, raw)
	}
	if !bytes.Contains(raw, []byte(`{\"bias\":9}`)) {
		t.Fatalf("expected the second update's configuration recorded, got %q", raw)
	}
}

func TestWriteSampleWithoutSamplesFileErrors(t *testing.T) {
	dir := t.TempDir()
	rec, err := Open(dir, "rec2", Metadata{Name: "rec2"}, false, nil, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rec.Close()

	if err := rec.WriteSample(device.Sample{}); err == nil {
		t.Fatal("expected an error writing a sample with no samples file staged")
	}
}
