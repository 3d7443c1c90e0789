package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("inference:status:%s", jobID)
}

// RateLimitKey names the counter for one API key in one fixed window.
func RateLimitKey(keyPrefix string, window int64) string {
	return fmt.Sprintf("ratelimit:%s:%d", keyPrefix, window)
}
