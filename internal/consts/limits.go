package consts

import "time"

// Buffer sizes for various operations
const (
	// MaxErrorBody is how much of a failed response body is kept in errors
	MaxErrorBody = 512
	// StreamBuffer is the number of events a status stream may lag behind
	StreamBuffer = 64
)

// Timeouts for various operations
const (
	// Timeout1Second is a 1 second timeout
	Timeout1Second = 1 * time.Second
	// Timeout2Seconds is a 2 second timeout
	Timeout2Seconds = 2 * time.Second
	// Timeout5Seconds is a 5 second timeout
	Timeout5Seconds = 5 * time.Second
	// Timeout15Seconds is a 15 second timeout
	Timeout15Seconds = 15 * time.Second
	// Timeout30Seconds is a 30 second timeout
	Timeout30Seconds = 30 * time.Second
)

// Time durations
const (
	// Duration5Minutes is 5 minutes
	Duration5Minutes = 5 * time.Minute
)
