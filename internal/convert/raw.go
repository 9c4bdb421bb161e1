package convert

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zip"

	"github.com/nishisan-dev/kairos-edge/internal/protocol"
	"github.com/nishisan-dev/kairos-edge/internal/recording"
)

// indexRecordLength is the on-disk width of one .index.kai record: system
// time, system timestamp, first-after-overflow flag, raw offset, raw
// length and the tight-form decoder state, grounded on
// recording.Recording.WritePacket's layout.
const indexRecordLength = 8 + 8 + 1 + 8 + 8 + protocol.DecoderStateIndexLength

// samplePayloadLength is the fixed width of one .samples.kai record.
const samplePayloadLength = 56

func magicHeaderLength(magic string) int64 {
	return int64(len(magic)) + 2
}

// triggerRow is one external-trigger edge recovered while decoding the raw
// stream, tagged with the timestamps of the index record it fell inside.
type triggerRow struct {
	systemTime      uint64
	systemTimestamp uint64
	trigger         protocol.DecodedTrigger
}

// writeEventsAndIndexEntries decodes the raw+index file pair for name and
// emits two CSVs: one row per decoded event (t,x,y,on) and one row per
// packet boundary (system_time,system_timestamp,first_after_overflow,t,
// offset), "offset" being the cumulative byte count of the event rows written
// before that packet's rows (the CSV header line is not counted). Each packet's raw EVT3 words are replayed
// through the decoder state stored in its index record — the same
// standalone-decode property the packet header guarantees on the wire.
// External-trigger edges encountered along the way are returned for the
// triggers CSV.
func writeEventsAndIndexEntries(zw *zip.Writer, recordingsDir, name string, meta metadata, cancelled Cancelled) ([]triggerRow, error) {
	rawPath := filepath.Join(recordingsDir, name+recording.RawFileExtension)
	indexPath := filepath.Join(recordingsDir, name+recording.IndexFileExtension)

	rawFile, err := os.Open(rawPath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", rawPath, err)
	}
	defer rawFile.Close()

	indexFile, err := os.Open(indexPath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", indexPath, err)
	}
	defer indexFile.Close()

	indexReader := bufio.NewReader(indexFile)
	if _, err := io.CopyN(io.Discard, indexReader, magicHeaderLength(recording.IndexMagic)); err != nil {
		return nil, fmt.Errorf("reading index header for %s: %w", name, err)
	}

	eventsW, err := zw.Create(name + "/" + name + "_events.csv")
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(eventsW, "t,x@%d,y@%d,on\n", meta.Device.Width, meta.Device.Height)

	// The index rows are buffered and written once the events entry is
	// complete: creating a second ZIP entry closes the first entry's writer.
	var indexRows bytes.Buffer
	indexRows.WriteString("system_time,system_timestamp,first_after_overflow,t,offset\n")

	var triggers []triggerRow
	eventsOffset := int64(0)
	record := make([]byte, indexRecordLength)
	var events []protocol.DecodedEvent
	for {
		if cancelled() {
			return nil, fmt.Errorf("conversion of %s cancelled", name)
		}
		if _, err := io.ReadFull(indexReader, record); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("reading index record for %s: %w", name, err)
		}

		systemTime := binary.LittleEndian.Uint64(record[0:8])
		systemTimestamp := binary.LittleEndian.Uint64(record[8:16])
		firstAfterOverflow := record[16]
		rawOffset := binary.LittleEndian.Uint64(record[17:25])
		rawLength := binary.LittleEndian.Uint64(record[25:33])
		state, err := parseIndexDecoderState(record[33:54])
		if err != nil {
			return nil, fmt.Errorf("parsing decoder state for %s: %w", name, err)
		}

		fmt.Fprintf(&indexRows, "%d,%d,%d,%d,%d\n", systemTime, systemTimestamp, firstAfterOverflow, state.T, eventsOffset)

		if _, err := rawFile.Seek(int64(rawOffset), io.SeekStart); err != nil {
			return nil, fmt.Errorf("seeking raw file for %s: %w", name, err)
		}
		words := make([]byte, rawLength)
		if _, err := io.ReadFull(rawFile, words); err != nil {
			return nil, fmt.Errorf("reading raw block for %s: %w", name, err)
		}
		for i := 0; i+2 <= len(words); i += 2 {
			word := binary.LittleEndian.Uint16(words[i:])
			var trigger protocol.DecodedTrigger
			var hasTrigger bool
			events, trigger, hasTrigger = state.Advance(word, events[:0])
			for _, e := range events {
				on := 0
				if e.On {
					on = 1
				}
				n, _ := fmt.Fprintf(eventsW, "%d,%d,%d,%d\n", e.T, e.X, e.Y, on)
				eventsOffset += int64(n)
			}
			if hasTrigger {
				triggers = append(triggers, triggerRow{systemTime: systemTime, systemTimestamp: systemTimestamp, trigger: trigger})
			}
		}
	}

	indexW, err := zw.Create(name + "/" + name + "_index.csv")
	if err != nil {
		return nil, err
	}
	if _, err := indexW.Write(indexRows.Bytes()); err != nil {
		return nil, err
	}
	return triggers, nil
}

func parseIndexDecoderState(b []byte) (protocol.EVT3State, error) {
	if len(b) < protocol.DecoderStateIndexLength {
		return protocol.EVT3State{}, fmt.Errorf("short decoder state: %d bytes", len(b))
	}
	return protocol.EVT3State{
		T:            binary.LittleEndian.Uint64(b[0:8]),
		Overflows:    binary.LittleEndian.Uint32(b[8:12]),
		PreviousMsbT: binary.LittleEndian.Uint16(b[12:14]),
		PreviousLsbT: binary.LittleEndian.Uint16(b[14:16]),
		X:            binary.LittleEndian.Uint16(b[16:18]),
		Y:            binary.LittleEndian.Uint16(b[18:20]),
		Polarity:     b[20],
	}, nil
}

// writeTriggersEntry emits one row per external-trigger edge recovered from
// the raw stream.
func writeTriggersEntry(zw *zip.Writer, name string, triggers []triggerRow) error {
	w, err := zw.Create(name + "/" + name + "_triggers.csv")
	if err != nil {
		return err
	}
	if _, err := fmt.Fprint(w, "system_time,system_timestamp,t,id,rising\n"); err != nil {
		return err
	}
	for _, row := range triggers {
		rising := 0
		if row.trigger.Rising {
			rising = 1
		}
		if _, err := fmt.Fprintf(w, "%d,%d,%d,%d,%d\n", row.systemTime, row.systemTimestamp, row.trigger.T, row.trigger.Id, rising); err != nil {
			return err
		}
	}
	return nil
}

// writeSamplesEntry decodes the .samples.kai file into a CSV, one row per
// device.Sample (see device.Sample.Encode for the wire layout).
func writeSamplesEntry(zw *zip.Writer, recordingsDir, name string, cancelled Cancelled) error {
	path := filepath.Join(recordingsDir, name+recording.SamplesFileExtension)
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	if _, err := io.CopyN(io.Discard, r, magicHeaderLength(recording.SamplesMagic)); err != nil {
		return fmt.Errorf("reading samples header for %s: %w", name, err)
	}

	w, err := zw.Create(name + "/" + name + "_samples.csv")
	if err != nil {
		return err
	}
	fmt.Fprint(w, "system_time,system_timestamp,on_rate,off_rate,rising_count,falling_count,illuminance_lux,temperature_celsius,autotrigger_short,autotrigger_long,autotrigger_ratio,autotrigger_threshold\n")

	payload := make([]byte, samplePayloadLength)
	for {
		if cancelled() {
			return fmt.Errorf("conversion of %s cancelled", name)
		}
		if _, err := io.ReadFull(r, payload); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading sample record for %s: %w", name, err)
		}
		systemTime := binary.LittleEndian.Uint64(payload[0:8])
		systemTimestamp := binary.LittleEndian.Uint64(payload[8:16])
		onRate := math.Float32frombits(binary.LittleEndian.Uint32(payload[16:20]))
		offRate := math.Float32frombits(binary.LittleEndian.Uint32(payload[20:24]))
		risingCount := binary.LittleEndian.Uint32(payload[24:28])
		fallingCount := binary.LittleEndian.Uint32(payload[28:32])
		illuminance := math.Float32frombits(binary.LittleEndian.Uint32(payload[32:36]))
		temperature := math.Float32frombits(binary.LittleEndian.Uint32(payload[36:40]))
		shortValue := math.Float32frombits(binary.LittleEndian.Uint32(payload[40:44]))
		longValue := math.Float32frombits(binary.LittleEndian.Uint32(payload[44:48]))
		ratio := math.Float32frombits(binary.LittleEndian.Uint32(payload[48:52]))
		threshold := math.Float32frombits(binary.LittleEndian.Uint32(payload[52:56]))
		fmt.Fprintf(w, "%d,%d,%f,%f,%d,%d,%f,%f,%f,%f,%f,%f\n",
			systemTime, systemTimestamp, onRate, offRate, risingCount, fallingCount,
			illuminance, temperature, shortValue, longValue, ratio, threshold)
	}
}
