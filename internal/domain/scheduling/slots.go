package scheduling

import "sort"

// DefaultSlotMinutes is the bookable slot length used when none is configured.
const DefaultSlotMinutes = 30

// GenerateSlots expands intervals into the sorted, de-duplicated start times
// of every slot of slotMinutes that fits entirely inside an interval. No
// intervals means the clinic is closed and yields an empty list.
func GenerateSlots(intervals []Interval, slotMinutes int) []string {
	if slotMinutes <= 0 {
		slotMinutes = DefaultSlotMinutes
	}
	seen := make(map[int]struct{})
	for _, iv := range intervals {
		start, ok1 := clockMinutes(iv.Start)
		end, ok2 := clockMinutes(iv.End)
		if !ok1 || !ok2 {
			continue
		}
		for t := start; t+slotMinutes <= end; t += slotMinutes {
			seen[t] = struct{}{}
		}
	}

	starts := make([]int, 0, len(seen))
	for t := range seen {
		starts = append(starts, t)
	}
	sort.Ints(starts)

	slots := make([]string, len(starts))
	for i, t := range starts {
		slots[i] = formatMinutes(t)
	}
	return slots
}
