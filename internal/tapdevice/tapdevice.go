// Package tapdevice opens a Linux TUN/TAP character device and exposes it
// as a stack.FrameSource/stack.FrameSink pair. It is the one place in this
// module that reaches past Go's standard networking package down to raw
// ioctls, because no library in this module's dependency set offers a
// userspace TAP opener.
package tapdevice

import (
	"fmt"
	"os"
	"syscall"
	"unsafe"
)

const (
	tunDevicePath = "/dev/net/tun"

	// From linux/if_tun.h.
	iffTap   = 0x0002
	iffNoPI  = 0x1000
	tunSetIF = 0x400454ca // TUNSETIFF, _IOW('T', 202, int)

	ifNameSize = 16
)

// ifReq mirrors struct ifreq's name+flags prefix (linux/if.h), the only
// fields TUNSETIFF reads for a TAP device.
type ifReq struct {
	name  [ifNameSize]byte
	flags uint16
	_     [22]byte // pad to sizeof(struct ifreq)
}

// Device is an open TAP interface: frames written to it appear on the
// interface's RX path in the kernel, and frames transmitted out the
// interface arrive on reads.
type Device struct {
	file *os.File
	name string
	mtu  int
}

// Open creates (if not already present) and opens a TAP interface named
// name. mtu bounds the buffer Device allocates for ReadFrame; frames are
// capped at mtu plus the 14-byte Ethernet header.
func Open(name string, mtu int) (*Device, error) {
	f, err := os.OpenFile(tunDevicePath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tapdevice: open %s: %w", tunDevicePath, err)
	}

	var req ifReq
	copy(req.name[:], name)
	req.flags = iffTap | iffNoPI

	if _, _, errno := syscall.Syscall(syscall.SYS_IOCTL, f.Fd(), uintptr(tunSetIF), uintptr(unsafe.Pointer(&req))); errno != 0 {
		f.Close()
		return nil, fmt.Errorf("tapdevice: TUNSETIFF %s: %w", name, errno)
	}

	return &Device{file: f, name: name, mtu: mtu}, nil
}

// ReadFrame implements stack.FrameSource.
func (d *Device) ReadFrame() ([]byte, error) {
	buf := make([]byte, d.mtu+14)
	n, err := d.file.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("tapdevice: read %s: %w", d.name, err)
	}
	return buf[:n], nil
}

// WriteFrame implements stack.FrameSink.
func (d *Device) WriteFrame(frame []byte) error {
	if _, err := d.file.Write(frame); err != nil {
		return fmt.Errorf("tapdevice: write %s: %w", d.name, err)
	}
	return nil
}

// Name returns the interface name the kernel assigned (equal to the
// requested name, barring a kernel-side rename).
func (d *Device) Name() string { return d.name }

// Close releases the underlying file descriptor.
func (d *Device) Close() error { return d.file.Close() }
