package rtc

// H264 NAL unit types relevant to picking a decodable starting point.
const (
	naluTypeIDR = 5
	naluTypeSPS = 7
	naluTypePPS = 8
)

// forEachNALU walks Annex B formatted data and calls fn with each NAL unit,
// start codes stripped. Both 3-byte and 4-byte start codes occur in
// depacketized streams.
func forEachNALU(data []byte, fn func(nalu []byte)) {
	emit := func(start, end int) {
		// A 4-byte start code leaves its leading zero on the previous
		// unit; alignment padding does the same.
		for end > start && data[end-1] == 0 {
			end--
		}
		if end > start {
			fn(data[start:end])
		}
	}

	start := -1
	i := 0
	for i+2 < len(data) {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			if start >= 0 {
				emit(start, i)
			}
			i += 3
			start = i
			continue
		}
		i++
	}
	if start >= 0 {
		emit(start, len(data))
	}
}

func naluType(nalu []byte) byte {
	if len(nalu) == 0 {
		return 0
	}
	return nalu[0] & 0x1F
}

// containsIDR reports whether the access unit carries an IDR slice, meaning
// a decoder can start from it without earlier reference frames.
func containsIDR(accessUnit []byte) bool {
	found := false
	forEachNALU(accessUnit, func(nalu []byte) {
		if naluType(nalu) == naluTypeIDR {
			found = true
		}
	})
	return found
}
