package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/multios-project/multios/internal/kernel/handoff"
)

func TestLoadHandoff(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "handoff.json")
	body := `{
		"method": "multiboot2",
		"command_line": "debug=on policy=rr",
		"memory_map": [
			{"base": 1048576, "length": 16777216, "type": 0}
		],
		"modules": [{"name": "initrd", "base": 4194304, "length": 8192}]
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	raw, err := loadHandoff(path)
	if err != nil {
		t.Fatalf("loadHandoff: %v", err)
	}
	if raw.Method != "multiboot2" || len(raw.MemoryMap) != 1 {
		t.Errorf("raw = %+v", raw)
	}
	if raw.MemoryMap[0].Type != handoff.EntryUsable {
		t.Errorf("entry type = %v", raw.MemoryMap[0].Type)
	}

	if _, err := loadHandoff(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("missing file did not error")
	}
}
