package shm

import (
	"errors"
	"io/fs"
	"os"
	"testing"
)

func TestCreateAttachRoundTrip(t *testing.T) {
	const port = 39217
	seg, err := Create(port, 4096)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { seg.Close() })

	copy(seg.Bytes(), "cached row bytes")

	att, err := Attach(port)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer att.Close()

	if got := string(att.Bytes()[:16]); got != "cached row bytes" {
		t.Fatalf("attached segment content = %q", got)
	}
	if att.Size() != 4096 {
		t.Fatalf("attached size = %d", att.Size())
	}

	// writes are visible both ways
	copy(att.Bytes()[100:], "reply")
	if got := string(seg.Bytes()[100:105]); got != "reply" {
		t.Fatalf("owner segment content = %q", got)
	}
}

func TestAttachMissingSegment(t *testing.T) {
	_, err := Attach(39999)
	if err == nil {
		t.Fatalf("expected error for missing segment")
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected fs.ErrNotExist, got %v", err)
	}
}

func TestOwnerCloseRemovesFile(t *testing.T) {
	const port = 39218
	seg, err := Create(port, 1024)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := seg.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(Path(port)); !os.IsNotExist(err) {
		t.Fatalf("segment file still present: %v", err)
	}
}
