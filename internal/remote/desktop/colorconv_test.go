package desktop

import "testing"

func TestBGRAtoNV12_2x2(t *testing.T) {
	// 2x2 pixels in BGRA byte order:
	// (0,0)=red:  BGRA=[0,0,255,255]
	// (1,0)=green: BGRA=[0,255,0,255]
	// (0,1)=blue: BGRA=[255,0,0,255]
	// (1,1)=white: BGRA=[255,255,255,255]
	bgra := []byte{
		0, 0, 255, 255, 0, 255, 0, 255,
		255, 0, 0, 255, 255, 255, 255, 255,
	}

	nv12 := bgraToNV12(bgra, 2, 2, 2*4)
	defer putNV12Buffer(nv12)

	if len(nv12) != 6 {
		t.Fatalf("expected nv12 length 6, got %d", len(nv12))
	}

	want := []byte{
		82, 144,
		41, 235,
		90, 240,
	}
	for i := range want {
		if nv12[i] != want[i] {
			t.Fatalf("byte[%d]: expected %d, got %d (nv12=%v)", i, want[i], nv12[i], nv12)
		}
	}
}

func TestBGRAtoI420_2x2(t *testing.T) {
	bgra := []byte{
		0, 0, 255, 255, 0, 255, 0, 255,
		255, 0, 0, 255, 255, 255, 255, 255,
	}

	y, u, v, yStride, cStride := bgraToI420(bgra, 2, 2)
	if yStride != 2 || cStride != 1 {
		t.Fatalf("yStride=%d cStride=%d, want 2,1", yStride, cStride)
	}
	if len(y) != 4 || len(u) != 1 || len(v) != 1 {
		t.Fatalf("unexpected plane sizes: y=%d u=%d v=%d", len(y), len(u), len(v))
	}

	// Y values should match the luma values used in the NV12 test.
	wantY := []byte{82, 144, 41, 235}
	for i := range wantY {
		if y[i] != wantY[i] {
			t.Fatalf("y[%d] = %d, want %d", i, y[i], wantY[i])
		}
	}
	if u[0] != 90 || v[0] != 240 {
		t.Fatalf("u[0]=%d v[0]=%d, want 90,240", u[0], v[0])
	}
}
