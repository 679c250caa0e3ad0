package types

import "time"

// TemporalRecord is implemented by anything carrying a validity interval.
// The interval is half-open: [valid_at, invalid_at), with a nil invalid_at
// meaning "still valid" (unbounded on the right).
type TemporalRecord interface {
	ValidTime() time.Time
	InvalidTime() *time.Time
}

// ValidAtTime reports whether rec was valid at t.
func ValidAtTime(rec TemporalRecord, t time.Time) bool {
	if rec.ValidTime().After(t) {
		return false
	}
	inv := rec.InvalidTime()
	return inv == nil || inv.After(t)
}

// IsCurrent reports whether rec is still valid (open interval).
func IsCurrent(rec TemporalRecord) bool {
	return rec.InvalidTime() == nil
}

// Overlaps reports whether the validity intervals of a and b intersect.
func Overlaps(a, b TemporalRecord) bool {
	aInv, bInv := a.InvalidTime(), b.InvalidTime()
	if aInv != nil && !aInv.After(b.ValidTime()) {
		return false
	}
	if bInv != nil && !bInv.After(a.ValidTime()) {
		return false
	}
	return true
}

// CheckInterval validates a validity interval. invalid_at strictly before
// valid_at is malformed; equality is allowed (the empty interval marks a
// record rejected on arrival).
func CheckInterval(id string, validAt time.Time, invalidAt *time.Time) error {
	if invalidAt != nil && invalidAt.Before(validAt) {
		return &MalformedIntervalError{ID: id, ValidAt: validAt, InvalidAt: *invalidAt}
	}
	return nil
}
