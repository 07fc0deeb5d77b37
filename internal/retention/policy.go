// Package retention decides how long captured transactions are kept and
// prunes the ones that have aged out.
package retention

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Policy is the retention horizon for stored transactions.
type Policy int

const (
	OneHour Policy = iota
	OneDay
	OneWeek
	Forever
)

const DefaultPolicy = OneWeek

func (p Policy) String() string {
	switch p {
	case OneHour:
		return "1h"
	case OneDay:
		return "1d"
	case OneWeek:
		return "1w"
	case Forever:
		return "forever"
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1h", "one_hour", "hour":
		return OneHour, nil
	case "1d", "one_day", "day":
		return OneDay, nil
	case "1w", "one_week", "week":
		return OneWeek, nil
	case "forever", "never", "none":
		return Forever, nil
	}
	return 0, fmt.Errorf("unknown retention policy %q", s)
}

func (p Policy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Policy) UnmarshalText(b []byte) error {
	v, err := ParsePolicy(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Horizon is the maximum age of a kept transaction; false for Forever.
func (p Policy) Horizon() (time.Duration, bool) {
	switch p {
	case OneHour:
		return time.Hour, true
	case OneDay:
		return 24 * time.Hour, true
	case OneWeek:
		return 7 * 24 * time.Hour, true
	}
	return 0, false
}

// CleanupInterval is how often a triggered prune actually runs under p.
func (p Policy) CleanupInterval() time.Duration {
	switch p {
	case OneHour:
		return 30 * time.Minute
	case OneDay:
		return 2 * time.Hour
	case OneWeek:
		return 12 * time.Hour
	}
	return 0
}

// Cutoff returns the timestamp before which transactions expire under p.
func Cutoff(p Policy, now time.Time) (time.Time, bool) {
	h, ok := p.Horizon()
	if !ok {
		return time.Time{}, false
	}
	return now.Add(-h), true
}

type Pruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Prune deletes everything older than the cutoff for p. Forever is a no-op.
func Prune(ctx context.Context, s Pruner, p Policy, now time.Time) (int64, error) {
	cutoff, ok := Cutoff(p, now)
	if !ok {
		return 0, nil
	}
	n, err := s.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return n, nil
}
