package service

import "time"

// Clock returns the current time. Services take one so tests can control it.
type Clock func() time.Time

func (c Clock) now() time.Time {
	if c == nil {
		return time.Now().UTC()
	}
	return c()
}
