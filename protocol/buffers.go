package protocol

// InputBuffer is received link data waiting to be decoded.
type InputBuffer interface {
	Data() []byte
	Available() int
	// Pop drops n bytes from the front.
	Pop(n int)
}

// OutputBuffer accumulates encoded blocks. Update and DataSince let the
// encoder patch the length byte and checksum a block in place.
type OutputBuffer interface {
	Output(data []byte)
	CurPosition() int
	Update(pos int, val byte)
	DataSince(pos int) []byte
}

// SliceInputBuffer reads from a fixed slice.
type SliceInputBuffer struct {
	data []byte
}

func NewSliceInputBuffer(data []byte) *SliceInputBuffer {
	return &SliceInputBuffer{data: data}
}

func (s *SliceInputBuffer) Data() []byte   { return s.data }
func (s *SliceInputBuffer) Available() int { return len(s.data) }

func (s *SliceInputBuffer) Pop(n int) {
	s.data = s.data[min(n, len(s.data)):]
}

// ScratchOutput is an OutputBuffer backed by a fixed array so encoding a
// block never allocates. Bytes past MessageMax are dropped.
type ScratchOutput struct {
	buf [MessageMax]byte
	n   int
}

func NewScratchOutput() *ScratchOutput {
	return &ScratchOutput{}
}

func (s *ScratchOutput) Output(data []byte) {
	s.n += copy(s.buf[s.n:], data)
}

func (s *ScratchOutput) CurPosition() int { return s.n }

func (s *ScratchOutput) Update(pos int, val byte) {
	if pos >= 0 && pos < s.n {
		s.buf[pos] = val
	}
}

func (s *ScratchOutput) DataSince(pos int) []byte {
	if pos < 0 || pos > s.n {
		return nil
	}
	return s.buf[pos:s.n]
}

// Result returns everything written since the last Reset.
func (s *ScratchOutput) Result() []byte { return s.buf[:s.n] }

// Reset empties the buffer.
func (s *ScratchOutput) Reset() { s.n = 0 }

// FifoBuffer is the receive ring between the link reader and the block
// decoder. It uses its full capacity.
type FifoBuffer struct {
	buf   []byte
	start int
	count int
}

func NewFifoBuffer(capacity int) *FifoBuffer {
	return &FifoBuffer{buf: make([]byte, capacity)}
}

// Write appends as much of data as fits and returns how much did.
func (f *FifoBuffer) Write(data []byte) int {
	n := min(len(data), f.Free())
	end := (f.start + f.count) % len(f.buf)
	c := copy(f.buf[end:], data[:n])
	copy(f.buf, data[c:n])
	f.count += n
	return n
}

// Read moves up to len(data) bytes out of the ring.
func (f *FifoBuffer) Read(data []byte) int {
	n := min(len(data), f.count)
	c := copy(data[:n], f.buf[f.start:])
	copy(data[c:n], f.buf)
	f.Pop(n)
	return n
}

// Available returns the number of buffered bytes.
func (f *FifoBuffer) Available() int { return f.count }

// Free returns how many more bytes Write accepts.
func (f *FifoBuffer) Free() int { return len(f.buf) - f.count }

// Data returns the buffered bytes as one slice. A wrapped ring is first
// rotated to the front of the backing array, so the slice is only valid
// until the next Write.
func (f *FifoBuffer) Data() []byte {
	if f.start+f.count > len(f.buf) {
		rotate(f.buf, f.start)
		f.start = 0
	}
	return f.buf[f.start : f.start+f.count]
}

// Pop drops up to n bytes from the front.
func (f *FifoBuffer) Pop(n int) {
	n = min(n, f.count)
	f.count -= n
	if f.count == 0 {
		f.start = 0
		return
	}
	f.start = (f.start + n) % len(f.buf)
}

// IsEmpty reports whether nothing is buffered.
func (f *FifoBuffer) IsEmpty() bool { return f.count == 0 }

// Reset empties the ring.
func (f *FifoBuffer) Reset() {
	f.start, f.count = 0, 0
}

// rotate moves b[k:] to the front of b in place.
func rotate(b []byte, k int) {
	reverse(b[:k])
	reverse(b[k:])
	reverse(b)
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}
