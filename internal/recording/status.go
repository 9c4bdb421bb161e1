package recording

import (
	"os"
	"path/filepath"
	"strings"
)

// State is the lifecycle stage of one recording stem as reconstructed from
// the files present on disk.
type State int

const (
	StateIncomplete State = iota // only a .write file is present
	StateOngoing                  // no file at all yet observed for a required extension
	StateComplete                 // raw, index and metadata all present in final form
)

// Status describes one recording stem's current disk state.
type Status struct {
	Name       string
	State      State
	SizeBytes  int64
	Converted  bool
}

// List scans dir (typically <data-directory>/recordings) and returns the
// status of every recording stem found, grouping the raw/index/toml/write
// files that share a name.
func List(dir string) ([]Status, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	type stemInfo struct {
		hasRaw, hasIndex, hasMeta, hasWrite bool
		sizeBytes                           int64
	}
	stems := make(map[string]*stemInfo)

	stemOf := func(name string) (string, bool) {
		for _, ext := range []string{RawFileExtension, IndexFileExtension, MetadataFileExtension, SamplesFileExtension} {
			if strings.HasSuffix(name, ext+writeSuffix) {
				return strings.TrimSuffix(name, ext+writeSuffix), true
			}
			if strings.HasSuffix(name, ext) {
				return strings.TrimSuffix(name, ext), false
			}
		}
		return "", false
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		stem, staged := stemOf(name)
		if stem == "" {
			continue
		}
		info, ok := stems[stem]
		if !ok {
			info = &stemInfo{}
			stems[stem] = info
		}
		if staged {
			info.hasWrite = true
			continue
		}
		switch {
		case strings.HasSuffix(name, RawFileExtension):
			info.hasRaw = true
			if fi, err := entry.Info(); err == nil {
				info.sizeBytes = fi.Size()
			}
		case strings.HasSuffix(name, IndexFileExtension):
			info.hasIndex = true
		case strings.HasSuffix(name, MetadataFileExtension):
			info.hasMeta = true
		}
	}

	out := make([]Status, 0, len(stems))
	for name, info := range stems {
		st := StateOngoing
		switch {
		case info.hasWrite:
			st = StateIncomplete
		case info.hasRaw && info.hasIndex && info.hasMeta:
			st = StateComplete
		}
		out = append(out, Status{Name: name, State: st, SizeBytes: info.sizeBytes})
	}
	return out, nil
}

// ConvertedZipPath returns the path of the converted ZIP archive for name
// under the converted-recordings directory, and whether it currently exists.
func ConvertedZipPath(dataDirectory, name string) (string, bool) {
	path := filepath.Join(dataDirectory, ConvertedRecordingsDirectoryName, name+ZipFileExtension)
	_, err := os.Stat(path)
	return path, err == nil
}
