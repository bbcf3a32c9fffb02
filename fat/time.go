package fat

import "time"

// fatEpochYear is the base year of the DOS date encoding.
const fatEpochYear = 1980

// DecodeDate decodes a 16-bit DOS date stamp: bits 0-4 day of month, bits 5-8
// month, bits 9-15 years since 1980. Day or month zero is unspecified in the
// format; the zero time.Time is returned so callers can use IsZero.
func DecodeDate(v uint16) time.Time {
	day := int(v & 0x1F)
	month := int(v >> 5 & 0x0F)
	year := int(v >> 9 & 0x7F)

	if day == 0 || month == 0 {
		return time.Time{}
	}
	return time.Date(fatEpochYear+year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}

// DecodeTimestamp combines a DOS date stamp and a DOS time stamp (bits 0-4
// two-second count, bits 5-10 minutes, bits 11-15 hours) into one time.Time.
// An invalid date yields the zero time regardless of the time stamp.
func DecodeTimestamp(date, tod uint16) time.Time {
	d := DecodeDate(date)
	if d.IsZero() {
		return time.Time{}
	}

	seconds := int(tod&0x1F) * 2
	minutes := int(tod >> 5 & 0x3F)
	hours := int(tod >> 11 & 0x1F)

	return time.Date(
		d.Year(), d.Month(), d.Day(), hours, minutes, seconds, 0, time.UTC)
}
