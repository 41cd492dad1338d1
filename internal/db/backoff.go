package db

import (
	"fmt"
	"strings"
	"time"
)

// retrySchedule maps attempt counts to the wait before a failed event is eligible again.
// The last step applies to every attempt beyond it.
var retrySchedule = []time.Duration{
	1 * time.Minute,  // attempt 1
	2 * time.Minute,  // attempt 2
	5 * time.Minute,  // attempt 3
	10 * time.Minute, // attempt 4
	30 * time.Minute, // attempt 5
	60 * time.Minute, // attempt 6+
}

// RetryBackoff returns the minimum wait after the last update before an event
// with the given attempt count may be claimed again.
func RetryBackoff(attempts int) time.Duration {
	idx := attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(retrySchedule) {
		idx = len(retrySchedule) - 1
	}
	return retrySchedule[idx]
}

// RetryEligible reports whether a failed event may be claimed at now.
func RetryEligible(attempts int, updatedAt, now time.Time) bool {
	return now.Sub(updatedAt) >= RetryBackoff(attempts)
}

// backoffIntervalSQL renders RetryBackoff as a CASE expression over the attempts column
// so the store filters with the same table the poller documents.
func backoffIntervalSQL(column string) string {
	var b strings.Builder
	b.WriteString("CASE")
	for i := 0; i < len(retrySchedule)-1; i++ {
		fmt.Fprintf(&b, " WHEN %s <= %d THEN interval '%d seconds'", column, i+1, int(retrySchedule[i].Seconds()))
	}
	fmt.Fprintf(&b, " ELSE interval '%d seconds' END", int(retrySchedule[len(retrySchedule)-1].Seconds()))
	return b.String()
}
