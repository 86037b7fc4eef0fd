package lbz

import "io"

// ReadWriterCloser is the block interface of an attached device. Offsets and
// lengths are in bytes and must be multiples of BlockSize.
type ReadWriterCloser interface {
	Reader
	Writer
	io.Closer
}

type Reader interface {
	// ReadAt reads len(p) bytes starting at off. Ranges that were never
	// written, or were discarded, read as zeros.
	io.ReaderAt
}

type Writer interface {
	// WriteAt writes p at off. Each block is written atomically, but a
	// multi-block write is not: after a failure some of its blocks may hold
	// the new content.
	io.WriterAt

	// Discard unmaps the blocks in [off, off+length). It is a blind
	// discard; unmapped blocks are skipped.
	Discard(off, length int64) error
}
