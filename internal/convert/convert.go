// Package convert implements the Conversion Job: decoding one closed
// recording's raw+index(+samples) files back into CSV/JSON exports, packaged
// as a ZIP archive.
package convert

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"

	"github.com/BurntSushi/toml"

	"github.com/nishisan-dev/kairos-edge/internal/recording"
)

// deflateLevel6 registers a deflate compressor pinned to level 6, the same
// trade-off nbackup's archiver picks for its bundle ZIPs.
func deflateLevel6(w io.Writer) (io.WriteCloser, error) {
	return flate.NewWriter(w, 6)
}

// Cancelled is polled at file boundaries and between raw-block iterations;
// Convert exits early once it reports true, leaving its staged ".write"
// file behind for the next startup's cleanup sweep, the same recovery path
// the Recording Writer itself relies on.
type Cancelled func() bool

// metadata mirrors recording.Metadata's on-disk TOML shape, re-decoded here
// rather than imported directly so the JSON field names exported to
// clients (snake_case, matching the rest of the wire protocol) are chosen
// independently of the TOML tags. The configuration/update tables keyed by
// device kind are intentionally not decoded: the JSON export carries the
// fields every recording shares.
type triggerMetadata struct {
	Mode          string  `toml:"mode" json:"mode"`
	ShortWindowUs uint64  `toml:"short_window" json:"short_window_us,omitempty"`
	LongWindowUs  uint64  `toml:"long_window" json:"long_window_us,omitempty"`
	Threshold     float64 `toml:"threshold" json:"threshold,omitempty"`
}

type deviceMetadata struct {
	Kind   string `toml:"kind" json:"kind"`
	Serial string `toml:"serial" json:"serial"`
	Width  int    `toml:"width" json:"width"`
	Height int    `toml:"height" json:"height"`
}

type metadata struct {
	Name      string          `toml:"name" json:"name"`
	Timestamp time.Time       `toml:"timestamp" json:"timestamp"`
	Trigger   triggerMetadata `toml:"trigger" json:"trigger"`
	Device    deviceMetadata  `toml:"device" json:"device"`
}

// Convert reads <dataDirectory>/recordings/<name>'s raw, index, metadata and
// (if present) samples files and writes
// <dataDirectory>/converted-recordings/<name>.zip containing the metadata as
// JSON, the events, index and triggers CSVs, and a samples CSV when a samples
// file exists, compressed at deflate level 6.
func Convert(dataDirectory, name string, cancelled Cancelled) error {
	recordingsDir := filepath.Join(dataDirectory, recording.RecordingsDirectoryName)
	convertedDir := filepath.Join(dataDirectory, recording.ConvertedRecordingsDirectoryName)
	if err := os.MkdirAll(convertedDir, 0o755); err != nil {
		return fmt.Errorf("creating converted-recordings directory: %w", err)
	}

	meta, err := readMetadata(filepath.Join(recordingsDir, name+recording.MetadataFileExtension))
	if err != nil {
		return err
	}

	finalPath := filepath.Join(convertedDir, name+recording.ZipFileExtension)
	stagedPath := finalPath + ".write"
	out, err := os.OpenFile(stagedPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", stagedPath, err)
	}

	zw := zip.NewWriter(out)
	zw.RegisterCompressor(zip.Deflate, deflateLevel6)

	if err := writeMetadataEntry(zw, name, meta); err != nil {
		abort(zw, out, stagedPath, cancelled)
		return err
	}
	triggers, err := writeEventsAndIndexEntries(zw, recordingsDir, name, meta, cancelled)
	if err != nil {
		abort(zw, out, stagedPath, cancelled)
		return err
	}
	if err := writeTriggersEntry(zw, name, triggers); err != nil {
		abort(zw, out, stagedPath, cancelled)
		return err
	}
	if hasSamplesFile(recordingsDir, name) {
		if err := writeSamplesEntry(zw, recordingsDir, name, cancelled); err != nil {
			abort(zw, out, stagedPath, cancelled)
			return err
		}
	}

	if cancelled() {
		abort(zw, out, stagedPath, cancelled)
		return fmt.Errorf("conversion of %s cancelled", name)
	}

	if err := zw.Close(); err != nil {
		out.Close()
		os.Remove(stagedPath)
		return fmt.Errorf("closing zip for %s: %w", name, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(stagedPath)
		return fmt.Errorf("closing %s: %w", stagedPath, err)
	}
	return os.Rename(stagedPath, finalPath)
}

// abort closes the archive and removes the staged file, except after a
// cancellation, which leaves the staged file for the startup cleanup sweep.
func abort(zw *zip.Writer, out *os.File, stagedPath string, cancelled Cancelled) {
	zw.Close()
	out.Close()
	if !cancelled() {
		os.Remove(stagedPath)
	}
}

func readMetadata(path string) (metadata, error) {
	var meta metadata
	if _, err := toml.DecodeFile(path, &meta); err != nil {
		return metadata{}, fmt.Errorf("reading metadata %s: %w", path, err)
	}
	return meta, nil
}

func writeMetadataEntry(zw *zip.Writer, name string, meta metadata) error {
	w, err := zw.Create(name + "/" + name + ".json")
	if err != nil {
		return err
	}
	return json.NewEncoder(w).Encode(meta)
}

func hasSamplesFile(recordingsDir, name string) bool {
	_, err := os.Stat(filepath.Join(recordingsDir, name+recording.SamplesFileExtension))
	return err == nil
}
