package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mopmsg/mop/message"
)

// frameFor builds a wire frame around an arbitrary payload.
func frameFor(payload string) []byte {
	frame := "[[[" + message.EncodeFrameLength(len(payload)) + "]" + payload + "]]"
	return []byte(frame)
}

func collectFrames(t *testing.T, d *Deframer) []string {
	t.Helper()
	var frames []string
	for {
		payload, ok := d.NextFrame()
		if !ok {
			return frames
		}
		frames = append(frames, string(payload))
	}
}

func TestDeframerSingleFrame(t *testing.T) {
	d := NewDeframer(300)
	require.NoError(t, d.AddBytes(frameFor(`{"a":1}`)))

	payload, ok := d.NextFrame()
	require.True(t, ok)
	assert.Equal(t, `{"a":1}`, string(payload))

	_, ok = d.NextFrame()
	assert.False(t, ok)
}

func TestDeframerMultipleFramesInOneRead(t *testing.T) {
	d := NewDeframer(300)
	var stream []byte
	stream = append(stream, frameFor(`{"n":1}`)...)
	stream = append(stream, frameFor(`{"n":2}`)...)
	stream = append(stream, frameFor(`{"n":3}`)...)
	require.NoError(t, d.AddBytes(stream))

	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}, collectFrames(t, d))
}

func TestDeframerArbitraryChopping(t *testing.T) {
	// Feed the same two-frame stream one byte, two bytes, and three bytes
	// at a time; the frames recovered must be identical every time.
	var stream []byte
	stream = append(stream, frameFor(`{"first":true}`)...)
	stream = append(stream, frameFor(`{"second":true}`)...)
	want := []string{`{"first":true}`, `{"second":true}`}

	for _, chop := range []int{1, 2, 3, 7} {
		d := NewDeframer(300)
		var got []string
		for i := 0; i < len(stream); i += chop {
			end := i + chop
			if end > len(stream) {
				end = len(stream)
			}
			require.NoError(t, d.AddBytes(stream[i:end]))
			got = append(got, collectFrames(t, d)...)
		}
		assert.Equal(t, want, got, "chop size %d", chop)
	}
}

func TestDeframerSkipsGarbageBetweenFrames(t *testing.T) {
	d := NewDeframer(300)
	var stream []byte
	stream = append(stream, "noise before "...)
	stream = append(stream, frameFor(`{"n":1}`)...)
	stream = append(stream, "]]] junk [["...)
	stream = append(stream, frameFor(`{"n":2}`)...)
	require.NoError(t, d.AddBytes(stream))

	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`}, collectFrames(t, d))
}

func TestDeframerResyncsAfterBadTrailer(t *testing.T) {
	d := NewDeframer(300)
	// A frame that declares 5 bytes but is not terminated by "]]", then a
	// good frame.
	var stream []byte
	stream = append(stream, "[[[05]abcdefgh"...)
	stream = append(stream, frameFor(`{"ok":1}`)...)
	require.NoError(t, d.AddBytes(stream))

	assert.Equal(t, []string{`{"ok":1}`}, collectFrames(t, d))
}

func TestDeframerResyncsAfterOverlappingOpens(t *testing.T) {
	d := NewDeframer(300)
	// "[[[[" makes the first candidate opening a false start; the real
	// frame starts one byte later.
	stream := append([]byte("["), frameFor(`{"ok":1}`)...)
	require.NoError(t, d.AddBytes(stream))

	assert.Equal(t, []string{`{"ok":1}`}, collectFrames(t, d))
}

func TestDeframerRejectsOversizeFrame(t *testing.T) {
	d := NewDeframer(10)
	var stream []byte
	stream = append(stream, frameFor(`{"way too large for the limit":true}`)...)
	stream = append(stream, frameFor(`{"ok":1}`)...)
	require.NoError(t, d.AddBytes(stream))

	// The oversize frame is dropped; its payload bytes are scanned as
	// garbage and the following small frame still comes out.
	frames := collectFrames(t, d)
	assert.Contains(t, frames, `{"ok":1}`)
	assert.NotContains(t, frames, `{"way too large for the limit":true}`)
}

func TestDeframerRejectsRunawayLengthPrefix(t *testing.T) {
	d := NewDeframer(300)
	var stream []byte
	stream = append(stream, "[[[00000"...) // more length digits than allowed
	stream = append(stream, frameFor(`{"ok":1}`)...)
	require.NoError(t, d.AddBytes(stream))

	assert.Equal(t, []string{`{"ok":1}`}, collectFrames(t, d))
}

func TestDeframerEmptyPayload(t *testing.T) {
	d := NewDeframer(300)
	require.NoError(t, d.AddBytes([]byte("[[[00]]]")))

	payload, ok := d.NextFrame()
	require.True(t, ok)
	assert.Empty(t, payload)
}

func TestDeframerRejectsSingleDigitLengthPrefix(t *testing.T) {
	// Length prefixes are always at least two digits; a one-digit prefix
	// marks the candidate frame as garbage even when the rest parses.
	d := NewDeframer(300)
	var stream []byte
	stream = append(stream, "[[[5]abcde]]"...)
	stream = append(stream, frameFor(`{"ok":1}`)...)
	require.NoError(t, d.AddBytes(stream))

	assert.Equal(t, []string{`{"ok":1}`}, collectFrames(t, d))
}

func TestDeframerWritableAndOverflow(t *testing.T) {
	d := NewDeframer(10)
	capacity := d.Writable()
	require.Greater(t, capacity, 0)

	err := d.AddBytes(make([]byte, capacity+1))
	assert.ErrorIs(t, err, ErrBufferOverflow)

	require.NoError(t, d.AddBytes(make([]byte, capacity)))
	assert.Equal(t, 0, d.Writable())
}

func TestDeframerReclaimsSpaceAcrossManyFrames(t *testing.T) {
	// Stream far more bytes than the buffer holds; extraction must keep
	// freeing space.
	d := NewDeframer(50)
	frame := frameFor(`{"seq":true}`)

	total := 0
	for i := 0; i < 200; i++ {
		require.NoError(t, d.AddBytes(frame))
		total += len(collectFrames(t, d))
	}
	assert.Equal(t, 200, total)
}

func TestDeframerResize(t *testing.T) {
	d := NewDeframer(10)
	big := frameFor(`{"needs a bigger limit":true}`)
	require.NoError(t, d.AddBytes(big))

	// Under the small limit the frame is rejected as oversize.
	dSmall := NewDeframer(10)
	require.NoError(t, dSmall.AddBytes(big))
	_, ok := dSmall.NextFrame()
	assert.False(t, ok)

	// After growing the limit the same buffered bytes parse.
	require.NoError(t, d.Resize(300))
	payload, ok := d.NextFrame()
	require.True(t, ok)
	assert.Equal(t, `{"needs a bigger limit":true}`, string(payload))
}

func TestDeframerFramesSerializedMessages(t *testing.T) {
	m, err := message.New("alpha.events", "beta.control", "test.round", "1.\"alpha\"", "", false)
	require.NoError(t, err)
	m.PutDotted("data.value", "round trip")

	d := NewDeframer(300)
	require.NoError(t, d.AddBytes(m.Serialize()))

	payload, ok := d.NextFrame()
	require.True(t, ok)

	parsed, err := message.Parse(payload)
	require.NoError(t, err)
	assert.Equal(t, "alpha.events", parsed.From)
	assert.Equal(t, "round trip", parsed.GetStringDotted("data.value"))
}
