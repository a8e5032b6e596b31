package logging

import (
	"log"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gluk-w/protonet/internal/config"
)

func TestInitReadTailClear(t *testing.T) {
	config.Cfg.LogPath = filepath.Join(t.TempDir(), "logs", "protonet.log")
	Init()
	t.Cleanup(func() { Close() })

	for _, line := range []string{"first", "second", "third"} {
		log.Printf("[test] %s", line)
	}

	tail, err := ReadTail(2)
	if err != nil {
		t.Fatalf("ReadTail: %v", err)
	}
	if strings.Contains(tail, "first") {
		t.Errorf("tail should not contain the oldest line, got %q", tail)
	}
	if !strings.Contains(tail, "second") || !strings.Contains(tail, "third") {
		t.Errorf("tail missing recent lines: %q", tail)
	}

	if err := Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	tail, err = ReadTail(10)
	if err != nil {
		t.Fatalf("ReadTail after clear: %v", err)
	}
	if tail != "" {
		t.Errorf("expected empty log after Clear, got %q", tail)
	}
}

func TestReadTailMissingFile(t *testing.T) {
	config.Cfg.LogPath = filepath.Join(t.TempDir(), "missing.log")
	tail, err := ReadTail(5)
	if err != nil {
		t.Fatalf("ReadTail: %v", err)
	}
	if tail != "" {
		t.Errorf("expected empty tail, got %q", tail)
	}
}
