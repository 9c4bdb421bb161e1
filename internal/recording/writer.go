// Package recording implements the Recording Writer: the raw event file,
// the index file and the TOML metadata sidecar that together make up one
// recording, all sharing a filename stem. Each file is staged under a
// ".write" suffix while open and renamed to its final name only once the
// recording closes cleanly, so a half-written recording is always
// recognizable by a ".write" file still present on disk.
package recording

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/nishisan-dev/kairos-edge/internal/device"
	"github.com/nishisan-dev/kairos-edge/internal/logging"
	"github.com/nishisan-dev/kairos-edge/internal/lookback"
	"github.com/nishisan-dev/kairos-edge/internal/protocol"
)

const (
	RawFileExtension      = ".raw.kai"
	IndexFileExtension    = ".index.kai"
	SamplesFileExtension  = ".samples.kai"
	MetadataFileExtension = ".toml"
	ZipFileExtension      = ".zip"

	RecordingsDirectoryName          = "recordings"
	ConvertedRecordingsDirectoryName = "converted-recordings"

	writeSuffix = ".write"

	// Magic strings prefix every binary recording file, each followed by a
	// NUL byte and a one-byte format code, so the conversion job (and any
	// external tool) can identify a file without reading its TOML sidecar
	// first.
	RawMagic     = "KAIROS-RAW"
	IndexMagic   = "KAIROS-INDEX"
	SamplesMagic = "KAIROS-SAMPLES"

	// FormatEVT3 is the only decoder format byte this server emits or
	// accepts: non-EVT3 variants are rejected rather than guessed at.
	FormatEVT3 byte = 1

	// SampleFormatEVK4 is the samples-file format byte for the EVK4
	// illuminance sampler record layout.
	SampleFormatEVK4 byte = 1
)

// TriggerMetadata is the [trigger] table of the sidecar: how the recording
// started, and for auto-triggered recordings the window/threshold parameters
// that fired it.
type TriggerMetadata struct {
	Mode          string  `toml:"mode"`
	ShortWindowUs uint64  `toml:"short_window,omitempty"`
	LongWindowUs  uint64  `toml:"long_window,omitempty"`
	Threshold     float64 `toml:"threshold,omitempty"`
}

// DeviceMetadata is the [device] table: which camera produced the recording.
type DeviceMetadata struct {
	Kind   string `toml:"kind"`
	Serial string `toml:"serial"`
	Width  int    `toml:"width"`
	Height int    `toml:"height"`
}

// Metadata is the TOML sidecar content: everything a conversion job needs
// to interpret the raw/index/samples files without the live server state.
type Metadata struct {
	Name      string          `toml:"name"`
	Timestamp time.Time       `toml:"timestamp"`
	Trigger   TriggerMetadata `toml:"trigger"`
	Device    DeviceMetadata  `toml:"device"`

	// InitialConfiguration is the device configuration snapshot at
	// recording start, emitted as the [<kind>Configuration.configuration]
	// table rather than through struct tags since the table name depends on
	// the device kind.
	InitialConfiguration json.RawMessage `toml:"-"`
}

// file wraps one staged output file with a sticky error flag: once a write
// fails, further writes are silently skipped so one bad sector does not
// spend the rest of the recording retrying a doomed file.
type file struct {
	mu      sync.Mutex
	f       *os.File
	w       *bufio.Writer
	path    string
	final   string
	broken  bool
	offset  int64
}

func openStaged(dir, name, ext string) (*file, error) {
	path := filepath.Join(dir, name+ext+writeSuffix)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return &file{f: f, w: bufio.NewWriter(f), path: path, final: filepath.Join(dir, name+ext)}, nil
}

// write appends b, returning justBroke=true only on the call that first
// flips the sticky broken flag: every subsequent call is a silent no-op, so
// one bad sector does not spend the rest of the recording retrying (or
// re-reporting) a doomed file.
func (fl *file) write(b []byte) (justBroke bool) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.broken {
		return false
	}
	if _, err := fl.w.Write(b); err != nil {
		fl.broken = true
		return true
	}
	fl.offset += int64(len(b))
	return false
}

// closeRename flushes, closes and renames the staged file to its final
// name. It always attempts the rename even if earlier writes failed, so a
// partially-written-but-flushed file is still recoverable by the converter.
func (fl *file) closeRename() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	flushErr := fl.w.Flush()
	closeErr := fl.f.Close()
	if flushErr != nil || closeErr != nil {
		return fmt.Errorf("closing %s: flush=%v close=%v", fl.path, flushErr, closeErr)
	}
	return os.Rename(fl.path, fl.final)
}

// Recording is one open raw+index(+samples)+toml file group.
type Recording struct {
	dir  string
	name string
	kind string

	raw      *file
	index    *file
	samples  *file

	// onError receives one operator-facing message the moment any backing
	// file's sticky broken flag first flips, so a failing disk surfaces once
	// on Server's error list instead of requiring a client to notice a
	// stalled recording. May be nil in tests that don't care.
	onError func(string)

	// The metadata sidecar stays open for the recording's lifetime so
	// configuration-update blocks can be appended as clients reconfigure
	// the device mid-recording.
	metaMu     sync.Mutex
	metaFile   *os.File
	metaFinal  string
	metaBroken bool

	logger *slog.Logger

	// logPath/closeLog back the per-recording debug log kept next to the
	// recording's files while it is open; the log is deleted again on a
	// clean close and kept only when something went wrong.
	logPath  string
	closeLog func() error

	firstAfterOverflow bool
}

// Open stages a new recording named name under dir (typically
// <data-directory>/recordings). hasSamples controls whether a samples file
// is also staged, for devices with an illuminance sensor. onError, if
// non-nil, is called exactly once per backing file the first time a write
// to it fails.
func Open(dir, name string, meta Metadata, hasSamples bool, onError func(string), logger *slog.Logger) (*Recording, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating recording directory: %w", err)
	}
	raw, err := openStaged(dir, name, RawFileExtension)
	if err != nil {
		return nil, err
	}
	_ = raw.write(append([]byte(RawMagic), 0, FormatEVT3))
	if meta.Device.Kind == "evt3" {
		var dims [4]byte
		binary.LittleEndian.PutUint16(dims[0:2], uint16(meta.Device.Width))
		binary.LittleEndian.PutUint16(dims[2:4], uint16(meta.Device.Height))
		_ = raw.write(dims[:])
	}

	index, err := openStaged(dir, name, IndexFileExtension)
	if err != nil {
		return nil, err
	}
	_ = index.write(append([]byte(IndexMagic), 0, FormatEVT3))

	var samples *file
	if hasSamples {
		samples, err = openStaged(dir, name, SamplesFileExtension)
		if err != nil {
			return nil, err
		}
		_ = samples.write(append([]byte(SamplesMagic), 0, SampleFormatEVK4))
	}

	metaPath := filepath.Join(dir, name+MetadataFileExtension+writeSuffix)
	mf, err := os.OpenFile(metaPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening metadata file: %w", err)
	}
	if err := toml.NewEncoder(mf).Encode(meta); err != nil {
		mf.Close()
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	if len(meta.InitialConfiguration) > 0 {
		var cfg map[string]any
		if err := json.Unmarshal(meta.InitialConfiguration, &cfg); err != nil {
			mf.Close()
			return nil, fmt.Errorf("decoding initial configuration: %w", err)
		}
		block := map[string]map[string]map[string]any{
			meta.Device.Kind + "Configuration": {"configuration": cfg},
		}
		if err := toml.NewEncoder(mf).Encode(block); err != nil {
			mf.Close()
			return nil, fmt.Errorf("encoding initial configuration: %w", err)
		}
	}

	logPath := filepath.Join(dir, name+".log")
	recLogger, closeLog, err := logging.NewRecordingLogger(logger, logPath)
	if err != nil {
		logger.Warn("opening per-recording debug log", "path", logPath, "error", err)
	}

	return &Recording{
		dir:                dir,
		name:               name,
		kind:               meta.Device.Kind,
		raw:                raw,
		index:              index,
		samples:            samples,
		onError:            onError,
		metaFile:           mf,
		metaFinal:          filepath.Join(dir, name+MetadataFileExtension),
		logger:             recLogger.With("component", "recording_writer", "name", name),
		logPath:            logPath,
		closeLog:           closeLog,
		firstAfterOverflow: true,
	}, nil
}

// configurationUpdate is one appended metadata block recording a mid-capture
// device reconfiguration: when it happened and the configuration applied,
// carried verbatim as the client sent it.
type configurationUpdate struct {
	Timestamp     time.Time `toml:"timestamp"`
	Configuration string    `toml:"configuration"`
}

// AppendConfigurationUpdate appends a timestamped configuration-update block
// to the metadata sidecar, under a
// [[<kind>ConfigurationUpdates.configuration_updates]] array-of-tables so
// repeated updates accumulate in order. Shares the sticky-error policy of
// the binary files: the first failed append reports once and disables
// further metadata writes, without touching raw/index.
func (r *Recording) AppendConfigurationUpdate(at time.Time, configuration string) error {
	r.metaMu.Lock()
	defer r.metaMu.Unlock()
	if r.metaBroken {
		return nil
	}
	// The array-of-tables header is written by hand: encoding a nested map
	// would repeat the [<kind>ConfigurationUpdates] parent table header on
	// every append, which a TOML decoder rejects as a redefinition.
	_, err := fmt.Fprintf(r.metaFile, "\n[[%sConfigurationUpdates.configuration_updates]]\n", r.kind)
	if err == nil {
		err = toml.NewEncoder(r.metaFile).Encode(configurationUpdate{Timestamp: at, Configuration: configuration})
	}
	if err != nil {
		r.metaBroken = true
		r.reportBroken("metadata")
		return fmt.Errorf("recording %s: metadata file has a sticky write error", r.name)
	}
	return nil
}

// reportBroken invokes onError, if set, with a message naming which backing
// file of this recording just went sticky.
func (r *Recording) reportBroken(file string) {
	if r.onError != nil {
		r.onError(fmt.Sprintf("recording %s: %s file has a sticky write error", r.name, file))
	}
}

// WritePacket appends raw to the raw file and a matching 54-byte index
// record (its decoder state is the 21-byte tight form), grounded on the original's Index::write_to layout: system_time,
// system_timestamp, first_after_overflow, raw_file_offset, raw_length and
// the tight-form decoder state.
func (r *Recording) WritePacket(header protocol.PacketHeader, raw []byte) error {
	offset := r.raw.offset
	rawBroke := r.raw.write(raw)

	idx := make([]byte, 0, 8+8+1+8+8+protocol.DecoderStateIndexLength)
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], header.SystemTimeUs)
	idx = append(idx, tmp[:]...)
	binary.LittleEndian.PutUint64(tmp[:], header.SystemTimestampUs)
	idx = append(idx, tmp[:]...)
	if r.firstAfterOverflow {
		idx = append(idx, 1)
		r.firstAfterOverflow = false
	} else {
		idx = append(idx, 0)
	}
	binary.LittleEndian.PutUint64(tmp[:], uint64(offset))
	idx = append(idx, tmp[:]...)
	binary.LittleEndian.PutUint64(tmp[:], uint64(len(raw)))
	idx = append(idx, tmp[:]...)
	idx = header.DecoderState.AppendIndex(idx)
	indexBroke := r.index.write(idx)

	if rawBroke {
		r.reportBroken("raw")
		return fmt.Errorf("recording %s: raw file has a sticky write error", r.name)
	}
	if indexBroke {
		r.reportBroken("index")
		return fmt.Errorf("recording %s: index file has a sticky write error", r.name)
	}
	return nil
}

// Prefill writes every item currently buffered in a lookback ring to the
// raw and index files, in order: when a recording is created with a
// non-empty lookback, its contents become the recording's pre-trigger
// history. Each item's bytes are the full wire packet record (header + raw
// event bytes) as pushed by the Event Producer, so the header is simply
// re-parsed here rather than reconstructed. When the shared configuration
// pointer changes between consecutive items (detected by identity, not by
// value), a configuration-update block is appended to the metadata sidecar
// at that point, so the sidecar's update history covers the pre-trigger
// span the same way it covers live capture.
func (r *Recording) Prefill(items []lookback.Item) error {
	var previous any
	for i, item := range items {
		if i > 0 && item.Configuration != previous {
			if snap, ok := item.Configuration.(*device.ConfigurationSnapshot); ok && snap != nil {
				if err := r.AppendConfigurationUpdate(item.At, string(snap.ConfigurationJSON())); err != nil {
					r.logger.Error("appending prefill configuration update", "error", err)
				}
			}
		}
		previous = item.Configuration

		header, rawOffset, err := protocol.ParsePacketHeader(item.Bytes)
		if err != nil {
			return fmt.Errorf("prefilling recording %s: %w", r.name, err)
		}
		if err := r.WritePacket(header, item.Bytes[rawOffset:]); err != nil {
			return err
		}
	}
	return nil
}

// WriteSample appends one fixed-width sample record to the samples file.
func (r *Recording) WriteSample(sample device.Sample) error {
	return r.WriteSamplePayload(sample.Encode())
}

// WriteSamplePayload appends an already-encoded fixed-width sample payload
// to the samples file, used both by WriteSample and by prefilling from the
// sampler lookback ring (whose items carry the length-prefixed wire
// encoding; the 4-byte prefix is stripped before reaching here).
func (r *Recording) WriteSamplePayload(payload []byte) error {
	if r.samples == nil {
		return fmt.Errorf("recording %s has no samples file", r.name)
	}
	if broke := r.samples.write(payload); broke {
		r.reportBroken("samples")
		return fmt.Errorf("recording %s: samples file has a sticky write error", r.name)
	}
	return nil
}

// SizeBytes reports the raw file's current size, used for the FileState
// pushed to clients.
func (r *Recording) SizeBytes() int64 {
	return r.raw.offset
}

// Close flushes and renames every staged file to its final name. It
// attempts every file even if one rename fails, returning the first error
// encountered.
func (r *Recording) Close() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	record(r.raw.closeRename())
	record(r.index.closeRename())
	if r.samples != nil {
		record(r.samples.closeRename())
	}
	r.metaMu.Lock()
	record(r.metaFile.Close())
	record(os.Rename(r.metaFinal+writeSuffix, r.metaFinal))
	r.metaMu.Unlock()
	if firstErr != nil {
		r.logger.Error("closing recording", "error", firstErr)
	} else {
		r.logger.Info("recording closed")
	}

	_ = r.closeLog()
	if firstErr == nil && !r.anyBroken() {
		// Nothing went wrong: the debug log has no post-mortem value.
		logging.RemoveRecordingLog(r.logPath)
	}
	return firstErr
}

// anyBroken reports whether any backing file's sticky error flag flipped
// during this recording's lifetime.
func (r *Recording) anyBroken() bool {
	for _, fl := range []*file{r.raw, r.index, r.samples} {
		if fl == nil {
			continue
		}
		fl.mu.Lock()
		broken := fl.broken
		fl.mu.Unlock()
		if broken {
			return true
		}
	}
	r.metaMu.Lock()
	defer r.metaMu.Unlock()
	return r.metaBroken
}
