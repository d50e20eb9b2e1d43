package wire

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frames(ms ...RawMessage) []byte {
	var out []byte
	for _, m := range ms {
		out = m.AppendTo(out)
	}
	return out
}

func TestBuilder_SingleMessage(t *testing.T) {
	b := NewRawMessageBuilder(1024)

	got, err := b.Feed(frames(RawMessageFromString(3, "TEST 1")))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int32(3), got[0].ID())
	assert.Equal(t, "TEST 1", got[0].String())
	assert.Zero(t, b.Pending())
}

func TestBuilder_ManyMessagesInOneChunk(t *testing.T) {
	b := NewRawMessageBuilder(1024)

	got, err := b.Feed(frames(
		RawMessageFromString(1, "a"),
		RawMessageFromString(2, "bb"),
		RawMessageFromString(3, "ccc"),
	))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"a", "bb", "ccc"}, []string{got[0].String(), got[1].String(), got[2].String()})
}

func TestBuilder_ByteAtATime(t *testing.T) {
	payload := bytes.Repeat([]byte("fragment-"), 50)
	whole := frames(NewRawMessage(42, payload))
	b := NewRawMessageBuilder(4096)

	var got []RawMessage
	for i := range whole {
		ms, err := b.Feed(whole[i : i+1])
		require.NoError(t, err)
		if i < len(whole)-1 {
			require.Empty(t, ms, "message completed early at byte %d", i)
		}
		got = append(got, ms...)
	}

	require.Len(t, got, 1)
	assert.Equal(t, int32(42), got[0].ID())
	assert.Equal(t, payload, got[0].Body())
}

func TestBuilder_ArbitrarySplits(t *testing.T) {
	want := []RawMessage{
		RawMessageFromString(1, "first message"),
		RawMessageFromString(2, ""),
		RawMessageFromString(3, "third"),
	}
	stream := frames(want...)

	for _, size := range []int{1, 2, 3, 5, 7, 8, 9, 13, len(stream)} {
		b := NewRawMessageBuilder(1024)
		var got []RawMessage
		for start := 0; start < len(stream); start += size {
			end := start + size
			if end > len(stream) {
				end = len(stream)
			}
			ms, err := b.Feed(stream[start:end])
			require.NoError(t, err)
			got = append(got, ms...)
		}
		assert.Equal(t, want, got, "chunk size %d", size)
	}
}

func TestBuilder_ZeroLengthPayload(t *testing.T) {
	b := NewRawMessageBuilder(1024)

	got, err := b.Feed(Encode(5, nil))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 0, got[0].Length())
}

func TestBuilder_ChunkCompletesOneAndStartsAnother(t *testing.T) {
	stream := frames(RawMessageFromString(1, "one"), RawMessageFromString(2, "two"))
	cut := HeaderSize + 3 + 5
	b := NewRawMessageBuilder(1024)

	got, err := b.Feed(stream[:cut])
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "one", got[0].String())
	assert.Equal(t, 5, b.Pending())

	got, err = b.Feed(stream[cut:])
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "two", got[0].String())
}

func TestBuilder_NegativeLengthIsCorrupt(t *testing.T) {
	b := NewRawMessageBuilder(1024)
	header := []byte{0, 0, 0, 1, 0xff, 0xff, 0xff, 0xfe}

	got, err := b.Feed(header)
	assert.Empty(t, got)
	assert.True(t, errors.Is(err, ErrCorruptFrame))

	// the builder stays failed until reset
	_, err = b.Feed(Encode(1, []byte("ok")))
	assert.True(t, errors.Is(err, ErrCorruptFrame))
	assert.Error(t, b.Err())

	b.Reset()
	got, err = b.Feed(Encode(1, []byte("ok")))
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestBuilder_LengthAboveMaxIsCorrupt(t *testing.T) {
	b := NewRawMessageBuilder(4)

	got, err := b.Feed(Encode(1, []byte("too long")))
	assert.Empty(t, got)
	assert.True(t, errors.Is(err, ErrCorruptFrame))
}

func TestBuilder_CompleteMessagesBeforeCorruption(t *testing.T) {
	b := NewRawMessageBuilder(1024)
	stream := append(frames(RawMessageFromString(1, "good")), 0, 0, 0, 2, 0x80, 0, 0, 0, 'x')

	got, err := b.Feed(stream)
	assert.True(t, errors.Is(err, ErrCorruptFrame))
	require.Len(t, got, 1)
	assert.Equal(t, "good", got[0].String())
	assert.Zero(t, b.Pending())
}
