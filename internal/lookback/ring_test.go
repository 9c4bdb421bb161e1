package lookback

import (
	"testing"
	"time"
)

func TestRingTrimsByDuration(t *testing.T) {
	r := New(Config{MaximumDuration: 10 * time.Millisecond})
	base := time.Now()
	r.Push(base, nil, []byte("old"))
	r.Push(base.Add(20*time.Millisecond), nil, []byte("new"))

	items := r.Snapshot()
	if len(items) != 1 || string(items[0].Bytes) != "new" {
		t.Fatalf("expected only the newest item to survive, got %+v", items)
	}
}

func TestRingTrimsBySize(t *testing.T) {
	r := New(Config{MaximumSizeBytes: 5})
	base := time.Now()
	r.Push(base, nil, []byte("abc"))
	r.Push(base, nil, []byte("defgh"))

	if got := r.SizeBytes(); got > 5 {
		t.Fatalf("expected total size <= 5, got %d", got)
	}
	items := r.Snapshot()
	if len(items) != 1 || string(items[0].Bytes) != "defgh" {
		t.Fatalf("expected only the newest item retained, got %+v", items)
	}
}

func TestConfigureShrinksImmediately(t *testing.T) {
	r := New(Config{MaximumSizeBytes: 100})
	base := time.Now()
	r.Push(base, nil, []byte("aaaaaaaaaa"))
	r.Push(base, nil, []byte("bbbbbbbbbb"))

	r.Configure(Config{MaximumSizeBytes: 10})
	if got := r.SizeBytes(); got > 10 {
		t.Fatalf("expected shrink to apply immediately, got %d bytes", got)
	}
	items := r.Snapshot()
	if len(items) != 1 || string(items[0].Bytes) != "bbbbbbbbbb" {
		t.Fatalf("expected newest item preserved, got %+v", items)
	}
}
