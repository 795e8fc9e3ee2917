package desktop

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/y9o/go-openh264"
)

// softwareEncoder drives Cisco's OpenH264 encoder via go-openh264 bindings.
// It is the cross-platform fallback backend registered when no hardware
// factory (MFT on Windows) produces a usable backend, and the only backend
// available on non-Windows builds.
type softwareEncoder struct {
	mu  sync.Mutex
	cfg EncoderConfig

	enc    *openh264.ISVCEncoder
	width  int32
	height int32

	frameIndex   int64
	forceKeyNext bool
}

var openH264LoadOnce sync.Once
var openH264LoadErr error

// loadOpenH264Library opens the shared OpenH264 library from a handful of
// common install locations. The library ships as a separate binary blob
// under Cisco's BSD+patent license and is not vendored by this module.
func loadOpenH264Library() error {
	openH264LoadOnce.Do(func() {
		candidates := []string{
			"openh264-2.4.1-win64.dll",
			"./openh264-2.4.1-win64.dll",
			"libopenh264.so.6",
			"libopenh264.dylib",
		}
		for _, path := range candidates {
			if err := openh264.Open(path); err == nil {
				return
			}
		}
		openH264LoadErr = errors.New("failed to load OpenH264 shared library from any known location")
	})
	return openH264LoadErr
}

func newSoftwareEncoder(cfg EncoderConfig) (encoderBackend, error) {
	if err := loadOpenH264Library(); err != nil {
		return nil, fmt.Errorf("software encoder: %w", err)
	}
	return &softwareEncoder{cfg: cfg}, nil
}

// ensureInitialized creates the underlying OpenH264 encoder the first time
// dimensions are known, or re-creates it after a dimension change.
func (s *softwareEncoder) ensureInitialized(width, height int) error {
	alignedW, alignedH := alignTo16(width), alignTo16(height)
	if s.enc != nil && int32(alignedW) == s.width && int32(alignedH) == s.height {
		return nil
	}
	if s.enc != nil {
		s.enc.Uninitialize()
		openh264.WelsDestroySVCEncoder(s.enc)
		s.enc = nil
	}

	var enc *openh264.ISVCEncoder
	if ret := openh264.WelsCreateSVCEncoder(&enc); ret != 0 || enc == nil {
		return fmt.Errorf("WelsCreateSVCEncoder failed: %d", ret)
	}

	param := openh264.SEncParamBase{
		IUsageType:     openh264.SCREEN_CONTENT_REAL_TIME,
		IPicWidth:      int32(alignedW),
		IPicHeight:     int32(alignedH),
		ITargetBitrate: int32(s.cfg.Bitrate),
		FMaxFrameRate:  float32(s.cfg.FPS),
	}
	if ret := enc.Initialize(&param); ret != 0 {
		openh264.WelsDestroySVCEncoder(enc)
		return fmt.Errorf("ISVCEncoder.Initialize failed: %d", ret)
	}

	s.enc = enc
	s.width = int32(alignedW)
	s.height = int32(alignedH)
	s.frameIndex = 0
	return nil
}

// alignTo16 rounds up to the nearest multiple of 16, the H.264 macroblock
// size OpenH264 requires for its picture dimensions.
func alignTo16(v int) int {
	if v%16 == 0 {
		return v
	}
	return ((v / 16) + 1) * 16
}

// Encode expects frame to be BGRA, row stride = 4*width, at the dimensions
// last set via SetDimensions.
func (s *softwareEncoder) Encode(frame []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(frame) == 0 {
		return nil, errors.New("empty frame")
	}
	if s.enc == nil {
		return nil, errors.New("software encoder not initialized, call SetDimensions first")
	}

	y, u, v, yStride, cStride := bgraToI420(frame, int(s.width), int(s.height))

	pic := openh264.SSourcePicture{
		IColorFormat: openh264.VideoFormatI420,
		IStride:      [4]int32{int32(yStride), int32(cStride), int32(cStride), 0},
		IPicWidth:    s.width,
		IPicHeight:   s.height,
		UiTimeStamp:  s.frameIndex * 1000 / int64(max(s.cfg.FPS, 1)),
	}
	pic.PData[0] = &y[0]
	pic.PData[1] = &u[0]
	pic.PData[2] = &v[0]

	if s.forceKeyNext {
		s.enc.ForceIntraFrame(true)
		s.forceKeyNext = false
	}

	var info openh264.SFrameBSInfo
	if ret := s.enc.EncodeFrame(&pic, &info); ret != openh264.CmResultSuccess {
		return nil, fmt.Errorf("EncodeFrame failed: %d", ret)
	}
	s.frameIndex++

	if info.EFrameType == openh264.VideoFrameTypeSkip {
		return nil, nil
	}

	var out []byte
	for i := 0; i < int(info.ILayerNum); i++ {
		layer := &info.SLayerInfo[i]
		var layerSize int32
		nalLens := unsafeSliceInt32(layer.PNalLengthInByte, int(layer.INalCount))
		for _, l := range nalLens {
			layerSize += l
		}
		out = append(out, unsafeSliceByte(layer.PBsBuf, int(layerSize))...)
	}
	return out, nil
}

func (s *softwareEncoder) SetCodec(codec Codec) error {
	if !codec.valid() {
		return fmt.Errorf("%w: %s", ErrInvalidCodec, codec)
	}
	s.mu.Lock()
	s.cfg.Codec = codec
	s.mu.Unlock()
	return nil
}

func (s *softwareEncoder) SetQuality(quality QualityPreset) error {
	if !quality.valid() {
		return fmt.Errorf("%w: %s", ErrInvalidQuality, quality)
	}
	s.mu.Lock()
	s.cfg.Quality = quality
	s.mu.Unlock()
	return nil
}

func (s *softwareEncoder) SetBitrate(bitrate int) error {
	if bitrate <= 0 {
		return ErrInvalidBitrate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Bitrate = bitrate
	if s.enc != nil {
		opt := openh264.SBitrateInfo{ITemporalId: 0, IBitrate: int32(bitrate)}
		s.enc.SetOption(openh264.ENCODER_OPTION_BITRATE, &opt)
	}
	return nil
}

func (s *softwareEncoder) SetFPS(fps int) error {
	if fps <= 0 {
		return ErrInvalidFPS
	}
	s.mu.Lock()
	s.cfg.FPS = fps
	s.mu.Unlock()
	return nil
}

func (s *softwareEncoder) SetDimensions(width, height int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureInitialized(width, height)
}

func (s *softwareEncoder) SetPixelFormat(pf PixelFormat) {
	// Only BGRA is supported by bgraToI420; RGBA inputs are not expected
	// from this module's producers.
}

func (s *softwareEncoder) ForceKeyframe() error {
	s.mu.Lock()
	s.forceKeyNext = true
	s.mu.Unlock()
	return nil
}

func (s *softwareEncoder) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enc == nil {
		return nil
	}
	s.enc.Uninitialize()
	openh264.WelsDestroySVCEncoder(s.enc)
	s.enc = nil
	return nil
}

func (s *softwareEncoder) Name() string { return "openh264-software" }

func (s *softwareEncoder) IsHardware() bool { return false }

func (s *softwareEncoder) IsPlaceholder() bool { return false }

func (s *softwareEncoder) SetD3D11Device(device, context uintptr) {}

func (s *softwareEncoder) SupportsGPUInput() bool { return false }

func (s *softwareEncoder) EncodeTexture(bgraTexture uintptr) ([]byte, error) {
	return nil, errors.New("software encoder does not support GPU texture input")
}

// unsafeSliceInt32 and unsafeSliceByte wrap unsafe.Slice for the C-style
// pointer+count arrays OpenH264's bitstream-info struct exposes.
func unsafeSliceInt32(p *int32, n int) []int32 {
	if n == 0 {
		return nil
	}
	return unsafe.Slice(p, n)
}

func unsafeSliceByte(p *uint8, n int) []byte {
	if n == 0 {
		return nil
	}
	return unsafe.Slice(p, n)
}
