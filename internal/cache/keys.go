package cache

import "fmt"

// DevicesKey holds the last adb device listing.
func DevicesKey() string {
	return "droidqueue:devices"
}

// RateLimitKey is the counter for one client within one fixed window.
func RateLimitKey(client string, window int64) string {
	return fmt.Sprintf("droidqueue:ratelimit:%s:%d", client, window)
}
