package wire

// RawMessageBuilder reassembles framed messages from arbitrarily chunked reads.
// A builder is bound to one connection and is not safe for concurrent use.
type RawMessageBuilder struct {
	maxLength int
	pending   []byte
	err       error
}

// NewRawMessageBuilder returns a builder that rejects payloads above maxLength.
func NewRawMessageBuilder(maxLength int) *RawMessageBuilder {
	if maxLength <= 0 {
		maxLength = defaultMaxPackageLength
	}
	return &RawMessageBuilder{maxLength: maxLength}
}

// Feed consumes a chunk and returns every message completed by it, in arrival order.
// On a framing violation it returns the messages completed before the bad
// header together with the error, and keeps returning the error until
// Reset is called. No partial message is ever returned.
func (b *RawMessageBuilder) Feed(p []byte) ([]RawMessage, error) {
	if b.err != nil {
		return nil, b.err
	}
	b.pending = append(b.pending, p...)

	var out []RawMessage
	offset := 0
	for len(b.pending)-offset >= HeaderSize {
		id, length, err := parseHeader(b.pending[offset:], b.maxLength)
		if err != nil {
			b.err = err
			b.pending = nil
			return out, err
		}
		end := offset + HeaderSize + length
		if end > len(b.pending) {
			break
		}
		out = append(out, NewRawMessage(id, b.pending[offset+HeaderSize:end]))
		offset = end
	}

	// compact so the next Feed continues from the start of a frame
	if offset > 0 {
		n := copy(b.pending, b.pending[offset:])
		b.pending = b.pending[:n]
	}
	return out, nil
}

// Pending returns the number of bytes buffered for an incomplete message.
func (b *RawMessageBuilder) Pending() int {
	return len(b.pending)
}

// Err returns the framing error that stopped the builder, if any.
func (b *RawMessageBuilder) Err() error {
	return b.err
}

// Reset discards buffered bytes and any framing error.
func (b *RawMessageBuilder) Reset() {
	b.pending = b.pending[:0]
	b.err = nil
}
