package domain

import "time"

// UsageLog records what one successful job cost. PixelsProcessed counts every stretched
// sample across all frames.
type UsageLog struct {
	UserID          string
	JobID           string
	Frames          int
	PixelsProcessed int64
	BytesSaved      int64
	ComputeTimeMS   int64
	CreatedAt       time.Time
}
