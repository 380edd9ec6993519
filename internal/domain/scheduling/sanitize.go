package scheduling

import (
	"sort"
)

// Thresholds for the mis-entered closing time repair. They come from
// observed dirty data and should be revisited against real schedules.
const (
	earlyStartBefore   = 7 * 60
	longIntervalOver   = 10 * 60
	morningShiftFrom   = 8 * 60
	morningShiftUntil  = 12 * 60
	morningShiftMaxLen = 6 * 60
	halfDay            = 12 * 60
)

const (
	RepairShiftedToPM = "start shifted by 12h: long interval starting before 07:00 alongside a morning shift"
	RepairDropped     = "dropped: interval still invalid after shifting start by 12h"
)

type span struct {
	start, end int
	raw        RawInterval
}

// SanitizeDay normalizes one weekday's raw intervals into sorted,
// non-overlapping intervals with end > start. Unparseable or empty
// intervals are skipped silently; heuristic corrections are returned so
// the caller can log them. The input is never modified.
func SanitizeDay(raw []RawInterval) ([]Interval, []Repair) {
	spans := make([]span, 0, len(raw))
	for _, r := range raw {
		start, end := NormalizeTime(r.Start), NormalizeTime(r.End)
		if start == "" || end == "" {
			continue
		}
		s, ok1 := clockMinutes(start)
		e, ok2 := clockMinutes(end)
		if !ok1 || !ok2 || e <= s {
			continue
		}
		spans = append(spans, span{start: s, end: e, raw: r})
	}

	morningShift := false
	for _, sp := range spans {
		if sp.start >= morningShiftFrom && sp.start <= morningShiftUntil && sp.end-sp.start <= morningShiftMaxLen {
			morningShift = true
			break
		}
	}

	var repairs []Repair
	kept := spans[:0]
	for _, sp := range spans {
		if morningShift && sp.start < earlyStartBefore && sp.end-sp.start > longIntervalOver {
			sp.start += halfDay
			if sp.end <= sp.start {
				repairs = append(repairs, Repair{Original: sp.raw, Reason: RepairDropped})
				continue
			}
			repaired := Interval{Start: formatMinutes(sp.start), End: formatMinutes(sp.end)}
			repairs = append(repairs, Repair{Original: sp.raw, Repaired: &repaired, Reason: RepairShiftedToPM})
		}
		kept = append(kept, sp)
	}

	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].start != kept[j].start {
			return kept[i].start < kept[j].start
		}
		return kept[i].end < kept[j].end
	})

	var merged []span
	for _, sp := range kept {
		if n := len(merged); n > 0 && sp.start < merged[n-1].end {
			if sp.end > merged[n-1].end {
				merged[n-1].end = sp.end
			}
			continue
		}
		merged = append(merged, sp)
	}

	out := make([]Interval, len(merged))
	for i, sp := range merged {
		out[i] = Interval{Start: formatMinutes(sp.start), End: formatMinutes(sp.end)}
	}
	return out, repairs
}

// SanitizeSchedule runs SanitizeDay for every weekday of a raw schedule.
// Days missing from the raw schedule come back as empty (closed).
func SanitizeSchedule(raw RawSchedule) SanitizedSchedule {
	out := SanitizedSchedule{Days: make(WeeklySchedule, len(Weekdays)), Repairs: []Repair{}}
	for _, day := range Weekdays {
		intervals, repairs := SanitizeDay(raw[day])
		if intervals == nil {
			intervals = []Interval{}
		}
		out.Days[day] = intervals
		for _, r := range repairs {
			r.Weekday = day
			out.Repairs = append(out.Repairs, r)
		}
	}
	return out
}
