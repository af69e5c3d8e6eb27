package terminal

// DefaultBufferLimit is the default number of output bytes retained per
// session for replay.
const DefaultBufferLimit = 50000

type outputBlock struct {
	seq  int64
	data []byte
}

// OutputBuffer stores recent terminal output as whole chunks tagged with
// their sequence number. When the total exceeds the limit, the oldest chunks
// are dropped, but the newest chunk is always kept even if it alone is over
// the limit so an escape sequence is never cut in half.
//
// OutputBuffer is not safe for concurrent use; its owning Session
// serialises access.
type OutputBuffer struct {
	blocks []outputBlock
	size   int
	limit  int
}

// NewOutputBuffer creates a buffer holding at most limit bytes. If
// limit <= 0, DefaultBufferLimit is used.
func NewOutputBuffer(limit int) *OutputBuffer {
	if limit <= 0 {
		limit = DefaultBufferLimit
	}
	return &OutputBuffer{limit: limit}
}

// Append records a chunk and evicts from the oldest end.
func (b *OutputBuffer) Append(seq int64, data []byte) {
	chunk := make([]byte, len(data))
	copy(chunk, data)
	b.blocks = append(b.blocks, outputBlock{seq: seq, data: chunk})
	b.size += len(chunk)

	drop := 0
	for b.size > b.limit && len(b.blocks)-drop > 1 {
		b.size -= len(b.blocks[drop].data)
		b.blocks[drop] = outputBlock{}
		drop++
	}
	if drop > 0 {
		b.blocks = b.blocks[drop:]
	}
}

// Since returns the concatenation of all chunks with a sequence number
// greater than seq, together with the newest sequence number held. ok is
// false when the buffer is empty.
func (b *OutputBuffer) Since(seq int64) (data []byte, last int64, ok bool) {
	if len(b.blocks) == 0 {
		return nil, 0, false
	}
	n := 0
	for _, blk := range b.blocks {
		if blk.seq > seq {
			n += len(blk.data)
		}
	}
	data = make([]byte, 0, n)
	for _, blk := range b.blocks {
		if blk.seq > seq {
			data = append(data, blk.data...)
		}
	}
	return data, b.blocks[len(b.blocks)-1].seq, true
}

// Reset discards all chunks.
func (b *OutputBuffer) Reset() {
	b.blocks = nil
	b.size = 0
}

// Len returns the number of chunks held.
func (b *OutputBuffer) Len() int { return len(b.blocks) }

// Size returns the number of bytes held.
func (b *OutputBuffer) Size() int { return b.size }
