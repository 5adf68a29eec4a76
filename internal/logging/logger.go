package logging

import (
	"log"
	"os"
	"strings"
	"sync"
)

var (
	debugEnabled = os.Getenv("DEBUG") == "true"
	onceWarnings sync.Map // key -> struct{}, tracks which Warnings have already fired
)

// Info logs an informational message (always shown)
func Info(subsystem, format string, args ...any) {
	log.Printf("[%s] "+format, append([]any{subsystem}, args...)...)
}

// Debug logs a debug message (only shown if DEBUG=true)
func Debug(subsystem, format string, args ...any) {
	if debugEnabled {
		log.Printf("[%s] "+format, append([]any{subsystem}, args...)...)
	}
}

// WarnOnce logs a warning the first time it is called for a given key and is a
// no-op on every subsequent call for that key. Used for conditions that are
// expected to persist for the rest of the process lifetime (e.g. the
// embedding producer being unavailable) where a per-call warning would just
// be noise.
func WarnOnce(key, subsystem, format string, args ...any) {
	if _, alreadyWarned := onceWarnings.LoadOrStore(key, struct{}{}); alreadyWarned {
		return
	}
	log.Printf("[%s] WARNING: "+format, append([]any{subsystem}, args...)...)
}

// Truncate truncates a string to maxLen and adds ellipsis
func Truncate(s string, maxLen int) string {
	// Replace newlines with spaces for one-line logs
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.TrimSpace(s)
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
