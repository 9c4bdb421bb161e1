package recording

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// RecoverStartup scans dataDirectory's recordings/ and converted-recordings/
// subdirectories for files left in the ".write" state by a prior process
// that exited uncleanly: under recordings/ a ".write" file is renamed to
// its final name (the recording is presumed complete enough to keep,
// matching the original's Action::Rename), and under
// converted-recordings/ a ".write" file is deleted outright (a half-written
// ZIP is useless, matching Action::Delete).
func RecoverStartup(dataDirectory string, logger *slog.Logger) error {
	if err := recoverDirectory(filepath.Join(dataDirectory, RecordingsDirectoryName), true, logger); err != nil {
		return err
	}
	return recoverDirectory(filepath.Join(dataDirectory, ConvertedRecordingsDirectoryName), false, logger)
}

func recoverDirectory(dir string, rename bool, logger *slog.Logger) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, writeSuffix) {
			continue
		}
		path := filepath.Join(dir, name)
		if rename {
			final := strings.TrimSuffix(path, writeSuffix)
			if err := os.Rename(path, final); err != nil {
				logger.Error("recovering staged recording file", "path", path, "error", err)
				continue
			}
			logger.Info("recovered staged recording file", "path", path)
		} else {
			if err := os.Remove(path); err != nil {
				logger.Error("removing incomplete converted recording", "path", path, "error", err)
				continue
			}
			logger.Info("removed incomplete converted recording", "path", path)
		}
	}
	return nil
}
