// Package dispatch decides whether a batch is sent immediately or scheduled
// for later. All time comparisons happen in one canonical zone.
package dispatch

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidSendAt marks an unparsable requested send time.
var ErrInvalidSendAt = errors.New("invalid send_at format")

// Kind routes a request to the immediate or the scheduled path.
type Kind int

const (
	Immediate Kind = iota
	Scheduled
)

// Decision is the outcome of routing one dispatch request.
type Decision struct {
	Kind    Kind
	DueTime time.Time
}

// Decider compares requested send times against the clock in a fixed zone.
type Decider struct {
	loc *time.Location
}

// NewDecider creates a Decider for the given canonical zone.
func NewDecider(loc *time.Location) *Decider {
	if loc == nil {
		loc = time.UTC
	}

	return &Decider{loc: loc}
}

// Decide parses sendAt ("2006-01-02 15:04:05" in the canonical zone) and
// routes the request. An empty sendAt, or one at or before now, is Immediate:
// a request timestamped exactly now must send right away, never become a
// zero-delay job racing the immediate path.
func (d *Decider) Decide(sendAt string, now time.Time) (Decision, error) {
	if sendAt == "" {
		return Decision{Kind: Immediate}, nil
	}

	t, err := time.ParseInLocation(time.DateTime, sendAt, d.loc)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %q", ErrInvalidSendAt, sendAt)
	}

	if !t.After(now.In(d.loc)) {
		return Decision{Kind: Immediate}, nil
	}

	return Decision{Kind: Scheduled, DueTime: t}, nil
}
