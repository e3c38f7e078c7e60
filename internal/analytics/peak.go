// Package analytics derives the admin dashboard's aggregates from token
// snapshots. Everything here is pure and safe for concurrent use.
package analytics

import (
	"fmt"
	"time"

	"medqueue/internal/model"
)

type HistogramBucket struct {
	Hour  int `json:"hour"`
	Count int `json:"count"`
}

func (b HistogramBucket) Label() string {
	return fmt.Sprintf("%02d:00", b.Hour)
}

// dayBounds returns the first and last instant of now's calendar day in
// now's location.
func dayBounds(now time.Time) (start, end time.Time) {
	y, m, d := now.Date()
	start = time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	end = time.Date(y, m, d, 23, 59, 59, int(999*time.Millisecond), now.Location())
	return start, end
}

func sameDay(ts, start, end time.Time) bool {
	return !ts.Before(start) && !ts.After(end)
}

// PeakHours counts today's registrations per local hour across completed and
// waiting tokens. Tokens without createdAt or from another day are ignored.
// Only non-empty hours are returned, in ascending order.
func PeakHours(completed, waiting []model.Token, now time.Time) []HistogramBucket {
	start, end := dayBounds(now)
	var counts [24]int
	for _, list := range [][]model.Token{completed, waiting} {
		for _, t := range list {
			if t.CreatedAt.IsZero() {
				continue
			}
			ts := t.CreatedAt.In(now.Location())
			if !sameDay(ts, start, end) {
				continue
			}
			counts[ts.Hour()]++
		}
	}
	var out []HistogramBucket
	for hour, n := range counts {
		if n > 0 {
			out = append(out, HistogramBucket{Hour: hour, Count: n})
		}
	}
	return out
}
