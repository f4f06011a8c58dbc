package tat

import (
	"fmt"
	"math"
	"time"
)

// Delay status values persisted with each specimen record. The strings are
// part of the external contract with the dashboard and must not change.
const (
	StatusNotUploaded = "Not Uploaded"
	StatusOverDelayed = "Over Delayed"
	StatusSlightDelay = "Delayed for less than 15 minutes"
	StatusOnTime      = "On Time"
	StatusSwift       = "Swift"
)

const (
	ShiftDay     = "Day"
	ShiftNight   = "Night"
	ShiftUnknown = "Unknown"
)

// DefaultUrgency is assigned to every test record at transform time; the
// source feed carries no urgency signal.
const DefaultUrgency = "Not Urgent"

// Classify derives the delay status and human-readable delay range for a
// specimen. completion == nil means the completion feed has not produced a
// timestamp yet; the record stays in the "Not Uploaded" provisional state.
// The range string is the absolute delay in whole hours and minutes and is
// non-negative regardless of the delay's sign.
func Classify(intake time.Time, completion *time.Time, expected time.Time) (status, delayRange string) {
	if completion == nil || completion.IsZero() || intake.IsZero() || expected.IsZero() {
		return StatusNotUploaded, StatusNotUploaded
	}

	delay := completion.Sub(expected).Minutes()

	abs := int(math.Abs(delay))
	delayRange = fmt.Sprintf("%d hrs %d mins", abs/60, abs%60)

	switch {
	case delay >= 15:
		status = StatusOverDelayed
	case delay > 0:
		status = StatusSlightDelay
	case delay >= -30:
		status = StatusOnTime
	default:
		status = StatusSwift
	}
	return status, delayRange
}

// ShiftOf classifies the intake hour into the lab's day shift (08:00 up to
// and including the 19:00 hour) or night shift. A zero intake means the lab
// number carried no parseable timestamp.
func ShiftOf(intake time.Time) string {
	if intake.IsZero() {
		return ShiftUnknown
	}
	if h := intake.Hour(); h >= 8 && h <= 19 {
		return ShiftDay
	}
	return ShiftNight
}

// dailyTATBands partitions per-test TATs into ascending turnaround classes:
// half-day, day, three-day, five-day and ten-day work (in minutes).
var dailyTATBands = []float64{720, 1440, 4320, 7200, 14400}

// DailyTAT reduces a specimen's per-test TATs to one representative value:
// the maximum TAT within the first non-empty band, falling back to the
// overall maximum when every TAT exceeds all bands. Short routine tests are
// therefore not masked by a single long-running outlier. Returns 0 for an
// empty list.
func DailyTAT(tats []float64) float64 {
	if len(tats) == 0 {
		return 0
	}

	for _, bound := range dailyTATBands {
		best, found := 0.0, false
		for _, t := range tats {
			if t < bound && (!found || t > best) {
				best, found = t, true
			}
		}
		if found {
			return best
		}
	}

	max := tats[0]
	for _, t := range tats[1:] {
		if t > max {
			max = t
		}
	}
	return max
}
