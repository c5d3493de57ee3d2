package cache

import "fmt"

func JobStatusKey(jobID string) string {
	return fmt.Sprintf("compression:job:%s", jobID)
}

func RateLimitKey(clientID string) string {
	return fmt.Sprintf("ratelimit:%s", clientID)
}
