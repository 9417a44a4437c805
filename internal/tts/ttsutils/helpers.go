// Package ttsutils provides file, path and display helpers shared by the
// narration commands.
package ttsutils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Directory constants.
const (
	defaultDirPermissions  = 0o750
	invalidCharReplacement = "_"
)

// Data size constants.
const (
	kilobyte = 1024
	megabyte = kilobyte * 1024
	gigabyte = megabyte * 1024
)

// Formatting constants.
const (
	formatSeconds = "%.1fs"
	formatMinutes = "%dm %.1fs"
	formatHours   = "%dh %dm"
	formatGB      = "%.1f GB"
	formatMB      = "%.1f MB"
	formatKB      = "%.1f KB"
	formatBytes   = "%d B"
)

// Voice file extensions accepted by the voice model.
const (
	ExtMP3 = ".mp3"
	ExtWAV = ".wav"
)

// EnsureDir creates path and its parents if they do not exist.
func EnsureDir(path string) error {
	err := os.MkdirAll(path, defaultDirPermissions)
	if err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}

	return nil
}

// FormatDuration formats a duration as "45.2s", "5m 30.5s" or "1h 15m".
func FormatDuration(duration time.Duration) string {
	seconds := duration.Seconds()

	switch {
	case duration < time.Minute:
		return fmt.Sprintf(formatSeconds, seconds)
	case duration < time.Hour:
		minutes := int(duration / time.Minute)

		return fmt.Sprintf(formatMinutes, minutes, seconds-float64(minutes*60))
	default:
		return fmt.Sprintf(formatHours, int(duration/time.Hour), int((duration%time.Hour)/time.Minute))
	}
}

// FormatFileSize formats a byte count as "1.2 GB", "500.5 MB" and so on.
func FormatFileSize(bytes int64) string {
	switch {
	case bytes >= gigabyte:
		return fmt.Sprintf(formatGB, float64(bytes)/gigabyte)
	case bytes >= megabyte:
		return fmt.Sprintf(formatMB, float64(bytes)/megabyte)
	case bytes >= kilobyte:
		return fmt.Sprintf(formatKB, float64(bytes)/kilobyte)
	default:
		return fmt.Sprintf(formatBytes, bytes)
	}
}

// IsVoiceFile reports whether filename has an extension the voice model accepts.
func IsVoiceFile(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ExtMP3, ExtWAV:
		return true
	default:
		return false
	}
}

// SanitizeFilename replaces characters that are invalid in most filesystems
// and spaces with underscores.
func SanitizeFilename(filename string) string {
	replacer := strings.NewReplacer(
		"<", invalidCharReplacement,
		">", invalidCharReplacement,
		":", invalidCharReplacement,
		"\"", invalidCharReplacement,
		"/", invalidCharReplacement,
		"\\", invalidCharReplacement,
		"|", invalidCharReplacement,
		"?", invalidCharReplacement,
		"*", invalidCharReplacement,
		" ", invalidCharReplacement,
	)

	return replacer.Replace(strings.TrimSpace(filename))
}
