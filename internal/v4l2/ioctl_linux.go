//go:build linux

package v4l2

// V4L2 ioctl request numbers and structure layouts. These are the
// kernel's stable UAPI ABI (linux/videodev2.h), not original authorship,
// reproduced here the same way other externally specified binary
// layouts in this module are: as exact constants rather than something
// to "idiomatically rewrite".
const (
	vidiocQueryCap    = 0x80685600
	vidiocEnumFmt     = 0xc0405602
	vidiocGFmt        = 0xc0d05604
	vidiocSFmt        = 0xc0d05605
	vidiocReqBufs     = 0xc0145608
	vidiocQueryBuf    = 0xc0585609
	vidiocQBuf        = 0xc058560f
	vidiocDQBuf       = 0xc0585611
	vidiocStreamOn    = 0x40045612
	vidiocStreamOff   = 0x40045613
	vidiocGParm       = 0xc0cc5615
	vidiocSParm       = 0xc0cc5616
)

const (
	v4l2BufTypeVideoCapture       = 1
	v4l2BufTypeVideoCaptureMplane = 9

	v4l2MemoryMMAP = 1

	v4l2FieldAny = 0

	v4l2CapVideoCapture       = 0x00000001
	v4l2CapVideoCaptureMplane = 0x00001000
	v4l2CapStreaming          = 0x04000000
	v4l2CapDeviceCaps         = 0x80000000

	vidiocMaxPlanes = 8
)

// fourCC builds a V4L2 pixel format code from four ASCII characters,
// matching the kernel's v4l2_fourcc macro.
func fourCC(a, b, c, d byte) uint32 {
	return uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24
}

var (
	PixelFormatMJPEG = fourCC('M', 'J', 'P', 'G')
	PixelFormatYUYV  = fourCC('Y', 'U', 'Y', 'V')
	PixelFormatNV12  = fourCC('N', 'V', '1', '2')
)

// v4l2Capability mirrors struct v4l2_capability, trimmed to the fields
// this module reads.
type v4l2Capability struct {
	driver       [16]byte
	card         [32]byte
	busInfo      [32]byte
	version      uint32
	capabilities uint32
	deviceCaps   uint32
	reserved     [3]uint32
}

// v4l2PixFormat mirrors struct v4l2_pix_format (single-planar).
type v4l2PixFormat struct {
	width        uint32
	height       uint32
	pixelformat  uint32
	field        uint32
	bytesperline uint32
	sizeimage    uint32
	colorspace   uint32
	priv         uint32
	flags        uint32
	ycbcrEnc     uint32
	quantization uint32
	xferFunc     uint32
}

// v4l2PlanePixFormat mirrors struct v4l2_plane_pix_format.
type v4l2PlanePixFormat struct {
	sizeimage    uint32
	bytesperline uint32
	reserved     [6]uint16
}

// v4l2PixFormatMplane mirrors struct v4l2_pix_format_mplane, trimmed.
type v4l2PixFormatMplane struct {
	width        uint32
	height       uint32
	pixelformat  uint32
	field        uint32
	colorspace   uint32
	planeFmt     [8]v4l2PlanePixFormat
	numPlanes    uint8
	flags        uint8
	ycbcrEnc     uint8
	quantization uint8
	xferFunc     uint8
	reserved     [7]uint8
}

// v4l2Format mirrors struct v4l2_format; fmtUnion carries either a
// v4l2PixFormat or a v4l2PixFormatMplane depending on typ, laid out as
// the kernel's anonymous union (200-byte pad, matching the kernel ABI).
type v4l2Format struct {
	typ      uint32
	_        uint32 // the union is 8-byte aligned on 64-bit
	fmtUnion [200]byte
}

// v4l2RequestBuffers mirrors struct v4l2_requestbuffers.
type v4l2RequestBuffers struct {
	count    uint32
	typ      uint32
	memory   uint32
	reserved [2]uint32
}

// v4l2Plane mirrors struct v4l2_plane (MMAP variant only: m is the
// mem_offset member of the kernel's union).
type v4l2Plane struct {
	bytesused  uint32
	length     uint32
	m          uint32
	_          uint32 // padding to match the union's 8-byte width on 64-bit
	dataOffset uint32
	reserved   [11]uint32
}

// v4l2Buffer mirrors struct v4l2_buffer, trimmed to MMAP-memory capture
// use. m holds either the single-planar offset (first 4 bytes) or a
// pointer to the planes array for multi-planar (the caller keeps the
// planes in a separate Go slice and stores its address here before the
// ioctl call).
type v4l2Buffer struct {
	index     uint32
	typ       uint32
	bytesused uint32
	flags     uint32
	field     uint32
	_         uint32 // timestamp is 8-byte aligned on 64-bit
	timestamp [16]byte
	timecode  [16]byte
	sequence  uint32
	memory    uint32
	m         uint64 // offset (single-plane) or *v4l2Plane (multi-plane)
	length    uint32
	reserved2 uint32
	requestFd int32
}

// v4l2CaptureParm mirrors struct v4l2_captureparm, the capture member of
// v4l2_streamparm's union, which carries the timeperframe this module sets.
type v4l2CaptureParm struct {
	capability   uint32
	captureMode  uint32
	timeperframe [2]uint32 // numerator, denominator
	extendedmode uint32
	readbuffers  uint32
	reserved     [4]uint32
}

type v4l2StreamParm struct {
	typ  uint32
	parm v4l2CaptureParm
	pad  [160]byte // pads parm out to the kernel's 200-byte union width
}
