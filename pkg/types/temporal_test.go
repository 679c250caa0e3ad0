package types

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func tsp(s string) *time.Time {
	t := ts(s)
	return &t
}

func TestCheckInterval(t *testing.T) {
	tests := []struct {
		name      string
		validAt   time.Time
		invalidAt *time.Time
		wantErr   bool
	}{
		{"open interval", ts("2024-01-01T00:00:00Z"), nil, false},
		{"closed interval", ts("2024-01-01T00:00:00Z"), tsp("2024-06-01T00:00:00Z"), false},
		{"empty interval allowed", ts("2024-01-01T00:00:00Z"), tsp("2024-01-01T00:00:00Z"), false},
		{"end before start", ts("2024-06-01T00:00:00Z"), tsp("2024-01-01T00:00:00Z"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckInterval("rec-1", tt.validAt, tt.invalidAt)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedInterval))
			var mie *MalformedIntervalError
			require.True(t, errors.As(err, &mie))
			assert.Equal(t, "rec-1", mie.ID)
		})
	}
}

func TestValidAtTime(t *testing.T) {
	rel := &Relationship{
		ValidAt:   ts("2024-01-01T00:00:00Z"),
		InvalidAt: tsp("2024-06-01T00:00:00Z"),
	}

	assert.False(t, ValidAtTime(rel, ts("2023-12-31T00:00:00Z")), "before valid_at")
	assert.True(t, ValidAtTime(rel, ts("2024-01-01T00:00:00Z")), "at valid_at (inclusive)")
	assert.True(t, ValidAtTime(rel, ts("2024-03-01T00:00:00Z")), "inside interval")
	assert.False(t, ValidAtTime(rel, ts("2024-06-01T00:00:00Z")), "at invalid_at (exclusive)")
	assert.False(t, ValidAtTime(rel, ts("2024-07-01T00:00:00Z")), "after invalid_at")

	open := &Relationship{ValidAt: ts("2024-01-01T00:00:00Z")}
	assert.True(t, ValidAtTime(open, ts("2099-01-01T00:00:00Z")), "nil invalid_at is unbounded")
	assert.True(t, IsCurrent(open))
	assert.False(t, IsCurrent(rel))
}

func TestRejectedOnArrivalNeverValid(t *testing.T) {
	rel := &Relationship{
		ValidAt:   ts("2024-01-01T00:00:00Z"),
		InvalidAt: tsp("2024-01-01T00:00:00Z"),
	}
	assert.True(t, rel.Rejected())
	assert.False(t, ValidAtTime(rel, ts("2024-01-01T00:00:00Z")))
	assert.False(t, ValidAtTime(rel, ts("2024-01-02T00:00:00Z")))
}

func TestOverlaps(t *testing.T) {
	a := &Relationship{ValidAt: ts("2024-01-01T00:00:00Z"), InvalidAt: tsp("2024-03-01T00:00:00Z")}
	b := &Relationship{ValidAt: ts("2024-02-01T00:00:00Z"), InvalidAt: tsp("2024-04-01T00:00:00Z")}
	c := &Relationship{ValidAt: ts("2024-03-01T00:00:00Z")}

	assert.True(t, Overlaps(a, b))
	assert.True(t, Overlaps(b, c))
	// Half-open: a ends exactly where c begins.
	assert.False(t, Overlaps(a, c))
}
