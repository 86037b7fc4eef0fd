// Package mmap hands out anonymous memory that lives outside the Go heap.
package mmap

import (
	"sync"
	"syscall"

	"github.com/pkg/errors"
)

// anon maps size bytes of private anonymous memory. The kernel rounds the
// mapping up to whole pages; the returned slice has the requested length.
func anon(size int) ([]byte, error) {
	if size < 1 {
		return nil, errors.Errorf("mmap: invalid size %d", size)
	}
	data, err := syscall.Mmap(-1, 0, size,
		syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_ANON|syscall.MAP_PRIVATE,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap %d bytes", size)
	}
	return data[:size], nil
}

// Region is a zero-filled buffer backed by anonymous memory when the kernel
// grants the mapping, and by the Go heap otherwise. Emulated zoned devices
// keep their block contents in a Region so that multi-GiB test devices do not
// pressure the garbage collector.
type Region struct {
	buf    []byte
	mapped bool
	freed  sync.Once
}

// Alloc returns a Region of exactly size bytes.
func Alloc(size int) *Region {
	buf, err := anon(size)
	if err != nil {
		return &Region{buf: make([]byte, size)}
	}
	return &Region{buf: buf, mapped: true}
}

func (r *Region) Bytes() []byte {
	return r.buf
}

func (r *Region) Mapped() bool {
	return r.mapped
}

// Free releases the mapping. It is safe to call more than once.
func (r *Region) Free() error {
	var err error
	r.freed.Do(func() {
		if r.mapped {
			err = syscall.Munmap(r.buf)
		}
		r.buf = nil
	})
	return err
}
