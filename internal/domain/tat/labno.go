package tat

import "time"

// ParseLabTime extracts the specimen intake timestamp from a lab number.
// The first 10 characters are read as digits DDMMYYHHMM with a two-digit
// year in 2000-2099. Returns ok=false for short strings, non-digit
// prefixes, and calendar-invalid values; callers treat that as "intake
// unknown" rather than an error.
func ParseLabTime(labNo string) (time.Time, bool) {
	if len(labNo) < 10 {
		return time.Time{}, false
	}
	p := labNo[:10]
	for i := 0; i < len(p); i++ {
		if p[i] < '0' || p[i] > '9' {
			return time.Time{}, false
		}
	}

	day := int(p[0]-'0')*10 + int(p[1]-'0')
	month := int(p[2]-'0')*10 + int(p[3]-'0')
	year := 2000 + int(p[4]-'0')*10 + int(p[5]-'0')
	hour := int(p[6]-'0')*10 + int(p[7]-'0')
	minute := int(p[8]-'0')*10 + int(p[9]-'0')

	t := time.Date(year, time.Month(month), day, hour, minute, 0, 0, time.UTC)
	// time.Date normalizes out-of-range components (e.g. month 13 or
	// Feb 30), so round-trip the fields to reject them.
	if t.Day() != day || int(t.Month()) != month || t.Year() != year ||
		t.Hour() != hour || t.Minute() != minute {
		return time.Time{}, false
	}
	return t, true
}
