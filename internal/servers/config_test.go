package servers

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jayleekr/Claude-Code-Remote-sub000/internal/domain"
)

func writeServersFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "servers.json")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write servers.json: %v", err)
	}
	return path
}

func TestLoadFile_ParsesLocalAndRemoteEntries(t *testing.T) {
	path := writeServersFile(t, `[
		{"id": "kr4", "type": "local"},
		{"id": "aws1", "type": "remote", "hostname": "1.2.3.4", "user": "ubuntu", "port": 22, "keyPath": "~/.ssh/id_ed25519", "sharedSecret": "s3cret"}
	]`)

	entries, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].Server.Type != domain.ServerLocal {
		t.Errorf("entries[0].Server.Type = %v, want local", entries[0].Server.Type)
	}
	if entries[1].SharedSecret != "s3cret" {
		t.Errorf("entries[1].SharedSecret = %q, want s3cret", entries[1].SharedSecret)
	}
}

func TestLoadFile_RejectsInvalidType(t *testing.T) {
	path := writeServersFile(t, `[{"id": "kr4", "type": "bogus"}]`)

	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected error for invalid server type")
	}
}

func TestLoadFile_RejectsMissingID(t *testing.T) {
	path := writeServersFile(t, `[{"type": "local"}]`)

	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected error for missing id")
	}
}

func TestLoadFile_MissingFileReturnsError(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
