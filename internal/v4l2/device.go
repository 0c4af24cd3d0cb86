//go:build linux

// Package v4l2 is an ioctl-level V4L2 MMAP capture loop: open, negotiate
// a pixel format (falling back from single- to multi-planar queues when
// the driver requires it), request and map kernel buffers, then poll /
// dequeue / requeue in a tight loop.
package v4l2

import (
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/mofeng-git/One-KVM-sub001/internal/errutil"
)

// Format is the negotiated capture format: whatever the driver actually
// accepted, which may differ from what was requested.
type Format struct {
	Width       uint32
	Height      uint32
	PixelFormat uint32
	Multiplanar bool
	NumPlanes   int
}

// Frame is one dequeued, fully reassembled capture buffer.
type Frame struct {
	BytesUsed int
	Sequence  uint32
}

type mappedBuffer struct {
	planes [][]byte // one entry per V4L2 plane (len 1 for single-planar)
}

// Device is an open, MMAP-capturing V4L2 capture device.
type Device struct {
	fd          int
	path        string
	format      Format
	bufs        []mappedBuffer
	pollTimeout time.Duration
	streaming   bool
}

// Options configures capture negotiation. Zero values pick sane
// defaults: 4 buffers, no FPS override, 2s poll timeout.
type Options struct {
	Width, Height uint32
	PixelFormat   uint32
	FPS           uint32 // 0 = leave driver default
	BufferCount   int    // 0 = 4
	PollTimeout   time.Duration
}

// Open opens path, negotiates format/fps, requests and maps buffers,
// enqueues them all, and starts streaming.
func Open(path string, opts Options) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, errutil.Wrapf(err, "open %s failed", path)
	}
	dev := &Device{fd: fd, path: path, pollTimeout: opts.PollTimeout}
	if dev.pollTimeout == 0 {
		dev.pollTimeout = 2 * time.Second
	}
	bufCount := opts.BufferCount
	if bufCount == 0 {
		bufCount = 4
	}

	caps, err := dev.queryCapabilities()
	if err != nil {
		dev.closeFD()
		return nil, err
	}
	multiplanar := caps&v4l2CapVideoCaptureMplane != 0 && caps&v4l2CapVideoCapture == 0

	format, err := dev.negotiateFormat(opts.Width, opts.Height, opts.PixelFormat, multiplanar)
	if err != nil {
		dev.closeFD()
		return nil, err
	}
	dev.format = format

	if opts.FPS != 0 {
		if err := dev.setFPS(opts.FPS); err != nil {
			// best-effort: the caller is expected to log this, not fail
			// capture over it.
			_ = err
		}
	}

	if err := dev.setupBuffers(bufCount); err != nil {
		dev.closeFD()
		return nil, err
	}
	for i := range dev.bufs {
		if err := dev.enqueue(i); err != nil {
			dev.teardownBuffers()
			dev.closeFD()
			return nil, err
		}
	}
	if err := dev.streamOn(); err != nil {
		dev.teardownBuffers()
		dev.closeFD()
		return nil, err
	}
	dev.streaming = true
	return dev, nil
}

// Format returns the negotiated capture format.
func (d *Device) Format() Format { return d.format }

func (d *Device) ioctl(request uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), request, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func (d *Device) queryCapabilities() (uint32, error) {
	var vcap v4l2Capability
	if err := d.ioctl(vidiocQueryCap, unsafe.Pointer(&vcap)); err != nil {
		return 0, errutil.Wrap(err, "VIDIOC_QUERYCAP failed")
	}
	caps := vcap.capabilities
	if caps&v4l2CapDeviceCaps != 0 {
		caps = vcap.deviceCaps
	}
	return caps, nil
}

func (d *Device) negotiateFormat(width, height, pixfmt uint32, multiplanar bool) (Format, error) {
	typ := uint32(v4l2BufTypeVideoCapture)
	if multiplanar {
		typ = v4l2BufTypeVideoCaptureMplane
	}

	var fmtReq v4l2Format
	fmtReq.typ = typ
	if err := d.ioctl(vidiocGFmt, unsafe.Pointer(&fmtReq)); err != nil {
		return Format{}, errutil.Wrap(err, "VIDIOC_G_FMT failed")
	}

	if multiplanar {
		pix := (*v4l2PixFormatMplane)(unsafe.Pointer(&fmtReq.fmtUnion[0]))
		if width != 0 {
			pix.width = width
		}
		if height != 0 {
			pix.height = height
		}
		if pixfmt != 0 {
			pix.pixelformat = pixfmt
		}
		pix.field = v4l2FieldAny
		if pix.numPlanes == 0 {
			pix.numPlanes = 1
		}
	} else {
		pix := (*v4l2PixFormat)(unsafe.Pointer(&fmtReq.fmtUnion[0]))
		if width != 0 {
			pix.width = width
		}
		if height != 0 {
			pix.height = height
		}
		if pixfmt != 0 {
			pix.pixelformat = pixfmt
		}
		pix.field = v4l2FieldAny
	}

	if err := d.ioctl(vidiocSFmt, unsafe.Pointer(&fmtReq)); err != nil {
		return Format{}, errutil.Wrap(err, "VIDIOC_S_FMT failed")
	}

	out := Format{Multiplanar: multiplanar}
	if multiplanar {
		pix := (*v4l2PixFormatMplane)(unsafe.Pointer(&fmtReq.fmtUnion[0]))
		out.Width, out.Height, out.PixelFormat = pix.width, pix.height, pix.pixelformat
		out.NumPlanes = int(pix.numPlanes)
		if out.NumPlanes == 0 {
			out.NumPlanes = 1
		}
	} else {
		pix := (*v4l2PixFormat)(unsafe.Pointer(&fmtReq.fmtUnion[0]))
		out.Width, out.Height, out.PixelFormat = pix.width, pix.height, pix.pixelformat
		out.NumPlanes = 1
	}
	return out, nil
}

func (d *Device) setFPS(fps uint32) error {
	typ := uint32(v4l2BufTypeVideoCapture)
	if d.format.Multiplanar {
		typ = v4l2BufTypeVideoCaptureMplane
	}
	var sp v4l2StreamParm
	sp.typ = typ
	sp.parm.timeperframe = [2]uint32{1, fps}
	return d.ioctl(vidiocSParm, unsafe.Pointer(&sp))
}

func (d *Device) bufType() uint32 {
	if d.format.Multiplanar {
		return v4l2BufTypeVideoCaptureMplane
	}
	return v4l2BufTypeVideoCapture
}

func (d *Device) setupBuffers(count int) error {
	var rb v4l2RequestBuffers
	rb.count = uint32(count)
	rb.typ = d.bufType()
	rb.memory = v4l2MemoryMMAP
	if err := d.ioctl(vidiocReqBufs, unsafe.Pointer(&rb)); err != nil {
		return errutil.Wrap(err, "VIDIOC_REQBUFS failed")
	}
	if rb.count == 0 {
		return errutil.New("v4l2: driver granted zero buffers")
	}

	d.bufs = make([]mappedBuffer, rb.count)
	for i := range d.bufs {
		mb, err := d.mapBuffer(i)
		if err != nil {
			d.teardownBuffers()
			return err
		}
		d.bufs[i] = mb
	}
	return nil
}

func (d *Device) mapBuffer(index int) (mappedBuffer, error) {
	if d.format.Multiplanar {
		planes := make([]v4l2Plane, d.format.NumPlanes)
		var qb v4l2Buffer
		qb.index = uint32(index)
		qb.typ = d.bufType()
		qb.memory = v4l2MemoryMMAP
		qb.length = uint32(len(planes))
		qb.m = uint64(uintptr(unsafe.Pointer(&planes[0])))
		if err := d.ioctl(vidiocQueryBuf, unsafe.Pointer(&qb)); err != nil {
			return mappedBuffer{}, errutil.Wrap(err, "VIDIOC_QUERYBUF failed")
		}
		mb := mappedBuffer{planes: make([][]byte, len(planes))}
		for i, p := range planes {
			data, err := unix.Mmap(d.fd, int64(p.m), int(p.length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
			if err != nil {
				return mappedBuffer{}, errutil.Wrap(err, "mmap plane failed")
			}
			mb.planes[i] = data
		}
		return mb, nil
	}

	var qb v4l2Buffer
	qb.index = uint32(index)
	qb.typ = d.bufType()
	qb.memory = v4l2MemoryMMAP
	if err := d.ioctl(vidiocQueryBuf, unsafe.Pointer(&qb)); err != nil {
		return mappedBuffer{}, errutil.Wrap(err, "VIDIOC_QUERYBUF failed")
	}
	offset := uint32(qb.m)
	data, err := unix.Mmap(d.fd, int64(offset), int(qb.length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return mappedBuffer{}, errutil.Wrap(err, "mmap buffer failed")
	}
	return mappedBuffer{planes: [][]byte{data}}, nil
}

func (d *Device) teardownBuffers() {
	for _, mb := range d.bufs {
		for _, p := range mb.planes {
			if p != nil {
				unix.Munmap(p)
			}
		}
	}
	d.bufs = nil

	var rb v4l2RequestBuffers
	rb.count = 0
	rb.typ = d.bufType()
	rb.memory = v4l2MemoryMMAP
	d.ioctl(vidiocReqBufs, unsafe.Pointer(&rb))
}

func (d *Device) enqueue(index int) error {
	var qb v4l2Buffer
	qb.index = uint32(index)
	qb.typ = d.bufType()
	qb.memory = v4l2MemoryMMAP
	if d.format.Multiplanar {
		planes := make([]v4l2Plane, d.format.NumPlanes)
		qb.length = uint32(len(planes))
		qb.m = uint64(uintptr(unsafe.Pointer(&planes[0])))
	}
	return d.ioctl(vidiocQBuf, unsafe.Pointer(&qb))
}

func (d *Device) streamOn() error {
	typ := d.bufType()
	return d.ioctl(vidiocStreamOn, unsafe.Pointer(&typ))
}

func (d *Device) streamOff() error {
	typ := d.bufType()
	return d.ioctl(vidiocStreamOff, unsafe.Pointer(&typ))
}

// poll waits up to d.pollTimeout for the fd to become readable.
func (d *Device) poll() error {
	fds := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(d.pollTimeout.Milliseconds()))
	if err != nil {
		return errutil.Wrap(err, "poll failed")
	}
	if n == 0 {
		return errutil.New("v4l2: poll timed out")
	}
	return nil
}

// NextInto polls for a filled buffer, concatenates all of its non-empty
// planes into dst (growing it as needed), requeues the buffer, and
// returns the reassembled byte count and frame sequence.
func (d *Device) NextInto(dst *[]byte) (Frame, error) {
	if err := d.poll(); err != nil {
		return Frame{}, err
	}

	if d.format.Multiplanar {
		planes := make([]v4l2Plane, d.format.NumPlanes)
		var qb v4l2Buffer
		qb.typ = d.bufType()
		qb.memory = v4l2MemoryMMAP
		qb.length = uint32(len(planes))
		qb.m = uint64(uintptr(unsafe.Pointer(&planes[0])))
		if err := d.ioctl(vidiocDQBuf, unsafe.Pointer(&qb)); err != nil {
			return Frame{}, errutil.Wrap(err, "VIDIOC_DQBUF failed")
		}

		*dst = (*dst)[:0]
		mb := d.bufs[qb.index]
		for i, p := range planes {
			if p.bytesused == 0 || i >= len(mb.planes) {
				continue
			}
			start := p.dataOffset
			end := start + p.bytesused
			*dst = append(*dst, mb.planes[i][start:end]...)
		}
		frame := Frame{BytesUsed: len(*dst), Sequence: qb.sequence}
		if err := d.enqueue(int(qb.index)); err != nil {
			return Frame{}, err
		}
		return frame, nil
	}

	var qb v4l2Buffer
	qb.typ = d.bufType()
	qb.memory = v4l2MemoryMMAP
	if err := d.ioctl(vidiocDQBuf, unsafe.Pointer(&qb)); err != nil {
		return Frame{}, errutil.Wrap(err, "VIDIOC_DQBUF failed")
	}
	used := int(qb.bytesused)
	*dst = append((*dst)[:0], d.bufs[qb.index].planes[0][:used]...)
	frame := Frame{BytesUsed: used, Sequence: qb.sequence}
	if err := d.enqueue(int(qb.index)); err != nil {
		return Frame{}, err
	}
	return frame, nil
}

// Close stops streaming, unmaps every buffer, and closes the file
// descriptor.
func (d *Device) Close() error {
	if d.streaming {
		d.streamOff()
		d.streaming = false
	}
	d.teardownBuffers()
	return d.closeFD()
}

func (d *Device) closeFD() error {
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}
