package desktop

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func nal(nalType byte, payload ...byte) []byte {
	return append([]byte{nalType & 0x1f}, payload...)
}

func TestPackageAnnexB_AlreadyAnnexB_PassesThroughAndDetectsSPSPPS(t *testing.T) {
	var in []byte
	in = append(in, annexBStartCode[:]...)
	in = append(in, nal(nalTypeSPS, 1, 2, 3)...)
	in = append(in, annexBStartCode[:]...)
	in = append(in, nal(nalTypePPS, 4, 5)...)
	in = append(in, annexBStartCode[:]...)
	in = append(in, nal(5, 9, 9, 9)...) // IDR slice

	out, hasSPSPPS := packageAnnexB(in)
	if !hasSPSPPS {
		t.Fatal("expected hasSPSPPS=true")
	}
	if !bytes.Equal(out, in) {
		t.Fatalf("output mismatch:\ngot  %x\nwant %x", out, in)
	}
}

func TestPackageAnnexB_NoSPSPPS(t *testing.T) {
	var in []byte
	in = append(in, annexBStartCode[:]...)
	in = append(in, nal(1, 1, 2, 3)...) // non-IDR slice

	_, hasSPSPPS := packageAnnexB(in)
	if hasSPSPPS {
		t.Fatal("expected hasSPSPPS=false")
	}
}

func TestPackageAnnexB_AVCCConvertsToAnnexB(t *testing.T) {
	spsNAL := nal(nalTypeSPS, 0xAA, 0xBB)
	ppsNAL := nal(nalTypePPS, 0xCC)
	idrNAL := nal(5, 0x01, 0x02, 0x03, 0x04)

	var in []byte
	for _, n := range [][]byte{spsNAL, ppsNAL, idrNAL} {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(n)))
		in = append(in, lenBuf[:]...)
		in = append(in, n...)
	}

	out, hasSPSPPS := packageAnnexB(in)
	if !hasSPSPPS {
		t.Fatal("expected hasSPSPPS=true")
	}

	var want []byte
	for _, n := range [][]byte{spsNAL, ppsNAL, idrNAL} {
		want = append(want, annexBStartCode[:]...)
		want = append(want, n...)
	}
	if !bytes.Equal(out, want) {
		t.Fatalf("output mismatch:\ngot  %x\nwant %x", out, want)
	}
}

func TestPackageAnnexB_Idempotent(t *testing.T) {
	spsNAL := nal(nalTypeSPS, 0xAA, 0xBB)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(spsNAL)))
	in := append(lenBuf[:], spsNAL...)

	first, _ := packageAnnexB(in)
	second, hasSPSPPS := packageAnnexB(first)
	if !hasSPSPPS {
		t.Fatal("expected hasSPSPPS=true on second pass")
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("packaging an already-Annex-B stream again changed it:\nfirst  %x\nsecond %x", first, second)
	}
}

func TestPackageAnnexB_MalformedAVCCLength_CopiesTailVerbatim(t *testing.T) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], 9999) // declares far more than remains
	in := append(lenBuf[:], 0x67, 0x01, 0x02)

	out, _ := packageAnnexB(in)
	if !bytes.Equal(out, in) {
		t.Fatalf("malformed input should be copied verbatim:\ngot  %x\nwant %x", out, in)
	}
}

func TestPackageAnnexB_EmptyInput(t *testing.T) {
	out, hasSPSPPS := packageAnnexB(nil)
	if out != nil || hasSPSPPS {
		t.Fatalf("empty input should yield nil output and hasSPSPPS=false, got %x / %v", out, hasSPSPPS)
	}
}
