package paths

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRoomDir(t *testing.T) {
	home, _ := os.UserHomeDir()
	got := RoomDir("room-1")
	want := filepath.Join(home, ".smore", "rooms", "room-1")
	if got != want {
		t.Errorf("RoomDir(room-1) = %q, want %q", got, want)
	}
}

func TestArchivePath(t *testing.T) {
	got := ArchivePath("room-1")
	if !strings.HasSuffix(got, filepath.Join("rooms", "room-1", "archive.db")) {
		t.Errorf("ArchivePath(room-1) = %q, want suffix rooms/room-1/archive.db", got)
	}
}

func TestLockPath(t *testing.T) {
	got := LockPath("room-1")
	if !strings.HasSuffix(got, filepath.Join("rooms", "room-1", "LOCK")) {
		t.Errorf("LockPath(room-1) = %q, want suffix rooms/room-1/LOCK", got)
	}
}

func TestConfigPath(t *testing.T) {
	got := ConfigPath()
	if !strings.HasSuffix(got, filepath.Join(".smore", "config.toml")) {
		t.Errorf("ConfigPath() = %q", got)
	}
}
