package measurement

import "sort"

// CheckRanges verifies that, per SMU, closed event ranges neither overlap nor
// leave gaps between consecutive events.
func CheckRanges(headers []EventHeader) error {
	bySMU := make(map[string][]EventHeader)
	for _, h := range headers {
		if h.Status == EventStatusOpen {
			return AttributionErrorf("event %s on smu %s is still open", h.ID, h.SMUID)
		}
		if h.Count < 0 || h.FirstSeq < 1 {
			return AttributionErrorf("event %s has invalid range [%d,+%d)", h.ID, h.FirstSeq, h.Count)
		}
		bySMU[h.SMUID] = append(bySMU[h.SMUID], h)
	}
	for smu, list := range bySMU {
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].FirstSeq != list[j].FirstSeq {
				return list[i].FirstSeq < list[j].FirstSeq
			}
			return list[i].Count < list[j].Count
		})
		for i := 1; i < len(list); i++ {
			_, prevEnd := list[i-1].Range()
			first := list[i].FirstSeq
			if first < prevEnd {
				return AttributionErrorf("smu %s: event %s overlaps event %s", smu, list[i].ID, list[i-1].ID)
			}
			if first > prevEnd {
				return AttributionErrorf("smu %s: samples [%d,%d) between events %s and %s are unattributed", smu, prevEnd, first, list[i-1].ID, list[i].ID)
			}
		}
	}
	return nil
}
