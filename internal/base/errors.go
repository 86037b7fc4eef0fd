package base

import "github.com/pkg/errors"

var (
	// ErrDeviceFaulty is returned by every admission once a physical I/O
	// failure has been observed.
	ErrDeviceFaulty = errors.New("lbz: device faulty")
	// ErrDeviceClosed is returned after the device started shutting down.
	ErrDeviceClosed = errors.New("lbz: device closed")
)
