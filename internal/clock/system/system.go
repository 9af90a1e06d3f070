// Package system provides the wall clock used for quota days and timestamps.
package system

import (
	"time"
	// Zone names must resolve in minimal containers without a system zoneinfo.
	_ "time/tzdata"
)

// Clock implements crawler.Clock. Quota days roll over at midnight in loc.
type Clock struct {
	loc *time.Location
}

// New creates a Clock reporting times in loc; nil means UTC.
func New(loc *time.Location) *Clock {
	if loc == nil {
		loc = time.UTC
	}
	return &Clock{loc: loc}
}

// NewNamed creates a Clock for an IANA zone name such as "Asia/Shanghai".
func NewNamed(name string) (*Clock, error) {
	if name == "" {
		return New(nil), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, err
	}
	return New(loc), nil
}

// Now returns the current time in the clock's location.
func (c *Clock) Now() time.Time {
	return time.Now().In(c.loc)
}
