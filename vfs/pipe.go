package vfs

import (
	"runtime"

	"xelix/kernel"
	"xelix/kernel/sync"
)

// pipeBufferSize is a single fixed-size buffer shared by both ends, no
// dynamic growth.
const pipeBufferSize = 0x5000

type pipe struct {
	lock       sync.Spinlock
	buf        []byte
	writerOpen bool
}

// pipeEnd is the Node each half of a pipe(2) pair is backed by.
type pipeEnd struct {
	p       *pipe
	reading bool
}

var (
	errPipeFull  = &kernel.Error{Module: "vfs", Message: "pipe buffer is full"}
	errPipeWrongEnd = &kernel.Error{Module: "vfs", Message: "operation not valid on this end of the pipe"}
)

// ErrPipeFull returns the "write would overflow the pipe buffer" sentinel (EFBIG in the original).
func ErrPipeFull() *kernel.Error { return errPipeFull }

// NewPipe creates an anonymous pipe and returns its read and write ends.
func NewPipe() (readEnd, writeEnd Node) {
	p := &pipe{writerOpen: true}
	return &pipeEnd{p: p, reading: true}, &pipeEnd{p: p, reading: false}
}

// ReadAt blocks until data is available or the write end is closed, the same
// busy-wait pipe_read used in the original (there: a halt-until-interrupt
// loop; here: runtime.Gosched, since tasks are goroutines and the writer
// needs the chance to run). offset is ignored: a pipe has no seekable
// position, only the shared buffer's head.
func (e *pipeEnd) ReadAt(buf []byte, _ int64) (int, *kernel.Error) {
	if !e.reading {
		return 0, errPipeWrongEnd
	}

	for {
		e.p.lock.Acquire()
		if len(e.p.buf) > 0 {
			n := copy(buf, e.p.buf)
			e.p.buf = e.p.buf[n:]
			e.p.lock.Release()
			return n, nil
		}
		writerOpen := e.p.writerOpen
		e.p.lock.Release()

		if !writerOpen {
			return 0, nil
		}
		runtime.Gosched()
	}
}

// WriteAt appends to the pipe's buffer, failing with errPipeFull once the
// write would grow the buffer past pipeBufferSize (EFBIG in the original).
func (e *pipeEnd) WriteAt(buf []byte, _ int64) (int, *kernel.Error) {
	if e.reading {
		return 0, errPipeWrongEnd
	}

	e.p.lock.Acquire()
	defer e.p.lock.Release()

	if len(e.p.buf)+len(buf) > pipeBufferSize {
		return 0, errPipeFull
	}
	e.p.buf = append(e.p.buf, buf...)
	return len(buf), nil
}

func (e *pipeEnd) Readdir() ([]DirEntry, *kernel.Error) { return nil, errNotSupported }

func (e *pipeEnd) Stat() (Stat, *kernel.Error) {
	e.p.lock.Acquire()
	defer e.p.lock.Release()
	return Stat{Type: TypePipe, Size: uint64(len(e.p.buf))}, nil
}

// Close marks the write end closed so a blocked reader sees EOF instead of
// spinning forever; closing the read end is a no-op since nothing in this
// kernel needs to detect a reader that went away.
func (e *pipeEnd) Close() *kernel.Error {
	if !e.reading {
		e.p.lock.Acquire()
		e.p.writerOpen = false
		e.p.lock.Release()
	}
	return nil
}
