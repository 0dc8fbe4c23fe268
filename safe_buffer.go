// Completion: 100% - Module complete
package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// SafeBuffer holds the contents of one image section. Content can be
// appended and patched until the section is committed by the layout pass;
// after that the bytes are frozen, since their RVA and file offset are fixed.
type SafeBuffer struct {
	buf       bytes.Buffer
	committed bool
	name      string // section name, for diagnostics
}

// NewSafeBuffer creates a new SafeBuffer for the named section
func NewSafeBuffer(name string) *SafeBuffer {
	return &SafeBuffer{name: name}
}

// Name returns the section name
func (sb *SafeBuffer) Name() string {
	return sb.name
}

// Write appends bytes to the buffer. Panics if buffer is committed.
func (sb *SafeBuffer) Write(p []byte) (n int, err error) {
	sb.mustNotBeCommitted("write")
	return sb.buf.Write(p)
}

// PutUint64At overwrites 8 bytes at off, growing the section with zeros if
// needed
func (sb *SafeBuffer) PutUint64At(off uint32, v uint64) {
	sb.mustNotBeCommitted("patch")
	if need := int(off) + 8 - sb.buf.Len(); need > 0 {
		sb.buf.Write(make([]byte, need))
	}
	binary.LittleEndian.PutUint64(sb.buf.Bytes()[off:], v)
}

// PutUint32At overwrites 4 bytes at off, growing the section with zeros if
// needed
func (sb *SafeBuffer) PutUint32At(off uint32, v uint32) {
	sb.mustNotBeCommitted("patch")
	if need := int(off) + 4 - sb.buf.Len(); need > 0 {
		sb.buf.Write(make([]byte, need))
	}
	binary.LittleEndian.PutUint32(sb.buf.Bytes()[off:], v)
}

// Bytes returns the buffer contents
func (sb *SafeBuffer) Bytes() []byte {
	return sb.buf.Bytes()
}

// Len returns the buffer length
func (sb *SafeBuffer) Len() int {
	return sb.buf.Len()
}

// Commit freezes the section. After this, no more writes or patches.
func (sb *SafeBuffer) Commit() {
	if VerboseMode {
		logf("section %s: committed with %d bytes\n", sb.name, sb.buf.Len())
	}
	sb.committed = true
}

// IsCommitted returns true if the buffer has been committed
func (sb *SafeBuffer) IsCommitted() bool {
	return sb.committed
}

func (sb *SafeBuffer) mustNotBeCommitted(op string) {
	if sb.committed {
		panic(fmt.Sprintf("SafeBuffer(%s): cannot %s a committed section", sb.name, op))
	}
}
