package desktop

import (
	"encoding/binary"
	"log/slog"
)

// annexBStartCode is the 4-byte Annex-B NAL start code. Every NAL unit in
// packager output is preceded by exactly this sequence.
var annexBStartCode = [4]byte{0x00, 0x00, 0x00, 0x01}

const (
	nalTypeSPS = 7
	nalTypePPS = 8
)

// packageAnnexB normalizes a byte sequence produced by a hardware H.264
// encoder — either AVCC (4-byte big-endian length-prefixed NALs) or already
// Annex-B (3- or 4-byte start codes) — into Annex-B form, preserving NAL
// order. It reports whether any NAL in the stream is an SPS (type 7) or PPS
// (type 8).
//
// packageAnnexB never fails. Malformed input (a NAL length that exceeds the
// remaining buffer, a truncated trailing record) is handled by copying the
// unparseable remainder verbatim and logging a single warning; the caller
// still gets a best-effort Annex-B byte sequence.
func packageAnnexB(data []byte) (out []byte, hasSPSPPS bool) {
	if len(data) == 0 {
		return nil, false
	}
	if looksLikeAnnexB(data) {
		return packageAnnexBFromAnnexB(data)
	}
	return packageAnnexBFromAVCC(data)
}

// looksLikeAnnexB reports whether data begins with a 3- or 4-byte Annex-B
// start code.
func looksLikeAnnexB(data []byte) bool {
	if len(data) >= 4 && data[0] == 0 && data[1] == 0 && data[2] == 0 && data[3] == 1 {
		return true
	}
	if len(data) >= 3 && data[0] == 0 && data[1] == 0 && data[2] == 1 {
		return true
	}
	return false
}

// packageAnnexBFromAnnexB re-writes an already-Annex-B stream, normalizing
// every start code to the canonical 4-byte form and scanning NAL types.
func packageAnnexBFromAnnexB(data []byte) (out []byte, hasSPSPPS bool) {
	i := 0
	for i < len(data) {
		start, scLen := findStartCode(data, i)
		if start < 0 {
			// No further start codes: malformed tail, copy verbatim.
			if i < len(data) {
				slog.Warn("annexb: truncated NAL at end of stream, copying tail verbatim", "offset", i)
				out = append(out, data[i:]...)
			}
			break
		}
		nalBegin := start + scLen
		nextStart, _ := findStartCode(data, nalBegin)
		nalEnd := len(data)
		if nextStart >= 0 {
			nalEnd = nextStart
		}
		if nalBegin >= nalEnd {
			i = nalEnd
			continue
		}
		nal := data[nalBegin:nalEnd]
		if isSPSOrPPS(nal[0]) {
			hasSPSPPS = true
		}
		out = append(out, annexBStartCode[:]...)
		out = append(out, nal...)
		i = nalEnd
	}
	return out, hasSPSPPS
}

// packageAnnexBFromAVCC parses 4-byte big-endian length-prefixed NAL
// records and re-emits them with Annex-B start codes.
func packageAnnexBFromAVCC(data []byte) (out []byte, hasSPSPPS bool) {
	i := 0
	for i < len(data) {
		if i+4 > len(data) {
			slog.Warn("annexb: truncated AVCC length prefix, copying tail verbatim", "offset", i)
			out = append(out, data[i:]...)
			break
		}
		nalLen := int(binary.BigEndian.Uint32(data[i : i+4]))
		recordStart := i + 4
		if nalLen < 0 || recordStart+nalLen > len(data) {
			slog.Warn("annexb: NAL length exceeds remaining buffer, copying tail verbatim", "offset", i, "declaredLen", nalLen)
			out = append(out, data[i:]...)
			break
		}
		nal := data[recordStart : recordStart+nalLen]
		if nalLen > 0 && isSPSOrPPS(nal[0]) {
			hasSPSPPS = true
		}
		out = append(out, annexBStartCode[:]...)
		out = append(out, nal...)
		i = recordStart + nalLen
	}
	return out, hasSPSPPS
}

// findStartCode locates the next 3- or 4-byte start code at or after from,
// returning its offset and length, or (-1, 0) if none is found.
func findStartCode(data []byte, from int) (offset, length int) {
	for i := from; i+3 <= len(data); i++ {
		if data[i] != 0 || data[i+1] != 0 {
			continue
		}
		if data[i+2] == 1 {
			return i, 3
		}
		if i+4 <= len(data) && data[i+2] == 0 && data[i+3] == 1 {
			return i, 4
		}
	}
	return -1, 0
}

// isSPSOrPPS extracts the NAL type from the low five bits of a NAL unit's
// first byte and reports whether it is an SPS (7) or PPS (8).
func isSPSOrPPS(firstByte byte) bool {
	nalType := firstByte & 0x1f
	return nalType == nalTypeSPS || nalType == nalTypePPS
}
