// Package walltime parses, aggregates and renders scheduler time limits.
package walltime

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Rounding controls how Aggregate handles a total that is not a whole number
// of minutes.
type Rounding int

const (
	// Truncate drops leftover seconds. The job may be granted less time than
	// base*n.
	Truncate Rounding = iota
	// Ceil rounds up to the next whole minute.
	Ceil
)

func (r Rounding) String() string {
	if r == Ceil {
		return "up"
	}
	return "down"
}

// ParseRounding accepts "down"/"truncate" and "up"/"ceil". Empty means
// Truncate.
func ParseRounding(s string) (Rounding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "down", "truncate", "floor":
		return Truncate, nil
	case "up", "ceil":
		return Ceil, nil
	default:
		return Truncate, fmt.Errorf("walltime: unknown rounding %q (want up or down)", s)
	}
}

// ErrTooLong is returned for durations that do not fit in a time.Duration.
var ErrTooLong = errors.New("walltime: duration out of range")

const maxHours = math.MaxInt64 / int64(time.Hour)

// Parse reads an H:MM:SS duration. Hours are bounded only by what a
// time.Duration can hold.
func Parse(s string) (time.Duration, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("walltime: %q is not H:MM:SS", s)
	}
	var vals [3]int64
	for i, p := range parts {
		v, err := strconv.ParseInt(p, 10, 64)
		if err != nil || v < 0 {
			return 0, fmt.Errorf("walltime: %q is not H:MM:SS", s)
		}
		if i > 0 && v > 59 {
			return 0, fmt.Errorf("walltime: %q has a field above 59", s)
		}
		vals[i] = v
	}
	if vals[0] >= maxHours {
		return 0, fmt.Errorf("%w: %q", ErrTooLong, s)
	}
	d := time.Duration(vals[0])*time.Hour + time.Duration(vals[1])*time.Minute + time.Duration(vals[2])*time.Second
	if d == 0 {
		return 0, fmt.Errorf("walltime: %q is zero", s)
	}
	return d, nil
}

// Format renders d as H:MM:SS, dropping sub-second precision.
func Format(d time.Duration) string {
	n := int64(d / time.Second)
	ss := n % 60
	n /= 60
	mm := n % 60
	hh := n / 60
	return fmt.Sprintf("%d:%02d:%02d", hh, mm, ss)
}

// Aggregate multiplies base by n and rounds the result to whole minutes.
// exact is false when the rounding changed the value. A product that
// overflows time.Duration returns ErrTooLong.
func Aggregate(base time.Duration, n int, r Rounding) (total time.Duration, exact bool, err error) {
	if base < 0 || n < 0 {
		return 0, false, fmt.Errorf("walltime: negative aggregate %s x %d", base, n)
	}
	if n > 0 && base > (math.MaxInt64-time.Minute)/time.Duration(n) {
		return 0, false, fmt.Errorf("%w: %s x %d", ErrTooLong, Format(base), n)
	}
	raw := base * time.Duration(n)
	minutes := raw / time.Minute
	rem := raw % time.Minute
	if rem > 0 && r == Ceil {
		minutes++
	}
	return minutes * time.Minute, rem == 0, nil
}
