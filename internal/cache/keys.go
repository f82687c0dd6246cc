package cache

import (
	"fmt"
)

const (
	// CancelChannel carries job ids whose running task must be interrupted.
	CancelChannel = "jobs:cancel"
	// EventsChannel carries terminal job notifications.
	EventsChannel = "jobs:events"
)

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

func ProgressKey(jobID int64) string {
	return fmt.Sprintf("progress:%d", jobID)
}

// CancelFlagKey is polled once per loop iteration by cooperatively cancelled tasks.
func CancelFlagKey(jobID int64) string {
	return fmt.Sprintf("cancel:%d", jobID)
}

func PresignKey(objectKey string) string {
	return objectKey
}

func ObjectMetaKey(objectKey string) string {
	return objectKey + "_object"
}
