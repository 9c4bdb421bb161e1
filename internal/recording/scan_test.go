package recording

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRecoverStartupRenamesUnderRecordings(t *testing.T) {
	dataDir := t.TempDir()
	recDir := filepath.Join(dataDir, RecordingsDirectoryName)
	if err := os.MkdirAll(recDir, 0o755); err != nil {
		t.Fatal(err)
	}
	staged := filepath.Join(recDir, "rec1"+RawFileExtension+writeSuffix)
	if err := os.WriteFile(staged, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := RecoverStartup(dataDir, testLogger()); err != nil {
		t.Fatalf("RecoverStartup: %v", err)
	}

	if _, err := os.Stat(filepath.Join(recDir, "rec1"+RawFileExtension)); err != nil {
		t.Fatalf("expected renamed final file: %v", err)
	}
	if _, err := os.Stat(staged); !os.IsNotExist(err) {
		t.Fatal("expected staged file gone")
	}
}

func TestRecoverStartupDeletesUnderConverted(t *testing.T) {
	dataDir := t.TempDir()
	convDir := filepath.Join(dataDir, ConvertedRecordingsDirectoryName)
	if err := os.MkdirAll(convDir, 0o755); err != nil {
		t.Fatal(err)
	}
	staged := filepath.Join(convDir, "rec1"+ZipFileExtension+writeSuffix)
	if err := os.WriteFile(staged, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := RecoverStartup(dataDir, testLogger()); err != nil {
		t.Fatalf("RecoverStartup: %v", err)
	}
	if _, err := os.Stat(staged); !os.IsNotExist(err) {
		t.Fatal("expected staged converted zip deleted")
	}
}

func TestRecoverStartupNoDataDirectoryIsNotError(t *testing.T) {
	if err := RecoverStartup(filepath.Join(t.TempDir(), "missing"), testLogger()); err != nil {
		t.Fatalf("expected no error for missing directory, got %v", err)
	}
}
