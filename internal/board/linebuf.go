package board

// LineCapacity is the number of log lines kept per entity.
const LineCapacity = 800

// LogErrorLine is appended to an entity's buffer when its log feed fails.
const LogErrorLine = "[Error connecting to log stream]"

// LineBuffer is the bounded FIFO behind an entity's log tab. The oldest
// line is evicted before the newest is appended once it holds LineCapacity.
type LineBuffer struct {
	ring *RingBuffer[string]
}

// NewLineBuffer returns an empty buffer with LineCapacity slots.
func NewLineBuffer() *LineBuffer {
	return newLineBuffer(LineCapacity)
}

func newLineBuffer(capacity int) *LineBuffer {
	return &LineBuffer{ring: NewRingBuffer[string](capacity)}
}

// Append adds a line, evicting the oldest when full.
func (b *LineBuffer) Append(line string) {
	b.ring.Push(line)
}

// Lines returns a copy of the buffered lines, oldest first.
func (b *LineBuffer) Lines() []string {
	return b.ring.Data()
}

// Tail returns up to n of the newest lines, oldest first.
func (b *LineBuffer) Tail(n int) []string {
	return b.ring.Tail(n)
}

// Last returns the newest line.
func (b *LineBuffer) Last() (string, bool) {
	return b.ring.Last()
}

// Len returns the number of buffered lines.
func (b *LineBuffer) Len() int {
	return b.ring.Len()
}

// Clear empties the buffer. It reports whether anything was dropped.
func (b *LineBuffer) Clear() bool {
	if b.ring.Len() == 0 {
		return false
	}
	b.ring.Reset()
	return true
}
