package scheduling

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	canonicalClock = regexp.MustCompile(`^(\d{1,2}):(\d{2})$`)
	nonClockChars  = regexp.MustCompile(`[^0-9:]`)
)

// NormalizeTime turns a loosely formatted time of day ("9am", "9:30 P.M.",
// "0930", "21:00") into zero-padded 24-hour HH:MM. Input without any digits
// yields "". It never fails; callers filter out empty results.
func NormalizeTime(raw string) string {
	if m := canonicalClock.FindStringSubmatch(raw); m != nil {
		return pad2(m[1]) + ":" + m[2]
	}

	s := strings.ToLower(strings.ReplaceAll(raw, ".", ""))
	pm := strings.Contains(s, "p")
	am := strings.Contains(s, "a")

	digits := nonClockChars.ReplaceAllString(s, "")
	parts := strings.Split(digits, ":")
	hourPart := parts[0]
	minutePart := "00"
	if len(parts) > 1 && parts[1] != "" {
		minutePart = parts[1]
	} else if len(parts) == 1 && (len(hourPart) == 3 || len(hourPart) == 4) {
		// "930" / "0930": trailing two digits are minutes.
		hourPart, minutePart = hourPart[:len(hourPart)-2], hourPart[len(hourPart)-2:]
	}
	if hourPart == "" {
		return ""
	}

	hour, err := strconv.Atoi(hourPart)
	if err != nil {
		return ""
	}
	if pm && hour < 12 {
		hour += 12
	}
	if am && hour == 12 {
		hour = 0
	}
	return pad2(strconv.Itoa(hour)) + ":" + pad2(minutePart)
}

func pad2(s string) string {
	if len(s) < 2 {
		return strings.Repeat("0", 2-len(s)) + s
	}
	return s
}

// clockMinutes converts canonical HH:MM to minutes since midnight. 24:00 is
// accepted as an end-of-day bound.
func clockMinutes(clock string) (int, bool) {
	m := canonicalClock.FindStringSubmatch(clock)
	if m == nil {
		return 0, false
	}
	h, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if mm > 59 || h > 24 || (h == 24 && mm != 0) {
		return 0, false
	}
	return h*60 + mm, true
}

func formatMinutes(total int) string {
	return pad2(strconv.Itoa(total/60)) + ":" + pad2(strconv.Itoa(total%60))
}
