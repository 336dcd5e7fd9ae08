// Package timer computes the nearest absolute deadline across the pub and
// sub transport contexts and converts it to the relative timeout the
// reactor understands, per spec §4.4.
package timer

import "time"

// A context's "next deadline" query reports "nothing scheduled" through an
// ok=false result rather than a sentinel value: the microsecond-absolute-
// timestamp convention of spec §4.4, expressed in Go as a (value, ok) pair
// instead of a magic -1 so callers can't mistake a real deadline of 0 for
// "none".

// NextDeadlineAbsolute returns the nearer of pub and sub's next absolute
// deadlines (microsecond Unix timestamps), treating an absent deadline
// (ok=false) as +∞. It reports ok=false only when both are absent, per
// spec §8 property 7.
func NextDeadlineAbsolute(pubDeadline, subDeadline int64, pubOK, subOK bool) (int64, bool) {
	switch {
	case !pubOK && !subOK:
		return 0, false
	case !pubOK:
		return subDeadline, true
	case !subOK:
		return pubDeadline, true
	case pubDeadline < subDeadline:
		return pubDeadline, true
	default:
		return subDeadline, true
	}
}

// NextDeadlineMS converts an absolute microsecond deadline (as returned by
// NextDeadlineAbsolute) into a non-negative relative millisecond timeout
// given the current time nowUS, rounding up any fractional millisecond so
// the reactor never returns before the deadline (spec §4.4). ok=false means
// "wait indefinitely" (-1 in the original C API, modelled here as a bool so
// the zero value can't be confused with a real 0ms timeout).
func NextDeadlineMS(deadlineUS int64, ok bool, nowUS int64) (ms int, wait bool) {
	if !ok {
		return 0, false
	}
	remaining := deadlineUS - nowUS
	if remaining <= 0 {
		return 0, true
	}
	ms = int(remaining / 1000)
	if remaining%1000 != 0 {
		ms++
	}
	return ms, true
}

// MicrosNow returns the current time as a microsecond Unix timestamp, the
// unit spec §4.4's absolute deadlines are expressed in.
func MicrosNow() int64 {
	return time.Now().UnixMicro()
}
