package reconcile

import (
	"time"

	"github.com/beevik/ntp"
)

const (
	defaultNTPPool      = "pool.ntp.org"
	defaultNTPThreshold = 500 * time.Millisecond
)

// SkewStatus reports the local clock offset against the NTP pool.
type SkewStatus struct {
	Offset  time.Duration
	Healthy bool
	Error   string
}

// SkewChecker performs a one-shot clock check before a reconciliation.
// Commit-derived tags and run records are timestamped; a badly skewed
// pipeline host produces misleading history, so the reconciler warns.
type SkewChecker struct {
	pool      string
	threshold time.Duration
}

func NewSkewChecker() *SkewChecker {
	return &SkewChecker{pool: defaultNTPPool, threshold: defaultNTPThreshold}
}

func (c *SkewChecker) Check() SkewStatus {
	resp, err := ntp.Query(c.pool)
	if err != nil {
		return SkewStatus{Error: err.Error()}
	}

	offset := resp.ClockOffset
	abs := offset
	if abs < 0 {
		abs = -abs
	}
	return SkewStatus{Offset: offset, Healthy: abs < c.threshold}
}
