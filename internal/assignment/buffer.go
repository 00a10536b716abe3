package assignment

import (
	"strings"
	"time"
)

// Buffer is the slack added before a visit starts and after it ends.
type Buffer struct {
	Before time.Duration
	After  time.Duration
}

// DefaultBuffer applies to service types without an explicit entry.
var DefaultBuffer = Buffer{Before: 60 * time.Minute, After: 60 * time.Minute}

var serviceBuffers = map[string]Buffer{
	"drop-ins":     {Before: 60 * time.Minute, After: 60 * time.Minute},
	"dog walking":  {Before: 60 * time.Minute, After: 60 * time.Minute},
	"pet taxi":     {Before: 60 * time.Minute, After: 60 * time.Minute},
	"housesitting": {Before: 120 * time.Minute, After: 120 * time.Minute},
	"24/7 care":    {Before: 120 * time.Minute, After: 120 * time.Minute},
}

// BufferFor looks up the buffer for a service type. Matching ignores case.
func BufferFor(serviceType string) Buffer {
	if buffer, ok := serviceBuffers[strings.ToLower(strings.TrimSpace(serviceType))]; ok {
		return buffer
	}
	return DefaultBuffer
}

// ComputeWindow widens a scheduled visit by its service type's buffer.
// Callers reject end <= start before calling.
func ComputeWindow(serviceType string, scheduledStart, scheduledEnd time.Time) (time.Time, time.Time) {
	buffer := BufferFor(serviceType)
	return scheduledStart.Add(-buffer.Before), scheduledEnd.Add(buffer.After)
}
