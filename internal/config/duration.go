package config

import (
	"fmt"
	"strings"
	"time"
)

// DurationOrDefault parses a duration string and falls back to defaultValue when empty.
func DurationOrDefault(value string, defaultValue string) (time.Duration, error) {
	candidate := strings.TrimSpace(value)
	if candidate == "" {
		candidate = strings.TrimSpace(defaultValue)
	}
	if candidate == "" {
		return 0, fmt.Errorf("duration value is empty")
	}

	d, err := time.ParseDuration(candidate)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", candidate, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q must not be negative", candidate)
	}
	return d, nil
}

// Timeouts returns the parsed dial and TLS handshake timeouts.
func (c FetchConfig) Timeouts() (dial time.Duration, handshake time.Duration, err error) {
	if dial, err = DurationOrDefault(c.DialTimeout, DefaultFetchDialTimeout); err != nil {
		return 0, 0, fmt.Errorf("fetch.dial_timeout: %w", err)
	}
	if handshake, err = DurationOrDefault(c.HandshakeTimeout, DefaultFetchHandshakeTimeout); err != nil {
		return 0, 0, fmt.Errorf("fetch.handshake_timeout: %w", err)
	}
	return dial, handshake, nil
}

// LockTiming returns the parsed cache lock timeout and retry interval.
func (c CacheConfig) LockTiming() (timeout time.Duration, retry time.Duration, err error) {
	if timeout, err = DurationOrDefault(c.LockTimeout, DefaultCacheLockTimeout); err != nil {
		return 0, 0, fmt.Errorf("cache.lock_timeout: %w", err)
	}
	if retry, err = DurationOrDefault(c.LockRetry, DefaultCacheLockRetry); err != nil {
		return 0, 0, fmt.Errorf("cache.lock_retry: %w", err)
	}
	return timeout, retry, nil
}
