package paths

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.smore.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".smore")
}

// RoomDir returns the room-specific directory.
func RoomDir(roomID string) string {
	return filepath.Join(BaseDir(), "rooms", roomID)
}

// LockPath returns the lock file path for a room.
func LockPath(roomID string) string {
	return filepath.Join(RoomDir(roomID), "LOCK")
}

// ArchivePath returns the local archive database path for a room.
func ArchivePath(roomID string) string {
	return filepath.Join(RoomDir(roomID), "archive.db")
}

// LogDir returns the log directory for a room.
func LogDir(roomID string) string {
	return filepath.Join(RoomDir(roomID), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(roomID string) string {
	return filepath.Join(LogDir(roomID), "roomd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the room directory tree with proper permissions.
func EnsureDir(roomID string) error {
	dirs := []string{
		RoomDir(roomID),
		LogDir(roomID),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
