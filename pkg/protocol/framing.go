package protocol

import (
	"bufio"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// Framing selects how frames are delimited on a byte stream.
type Framing string

const (
	// FramingRaw treats every receive call as exactly one frame. This is the
	// default and the only mode existing clients speak.
	FramingRaw Framing = "raw"
	// FramingVarint prefixes every frame with its length as an unsigned
	// varint, the same encoding protobuf uses for length-delimited fields.
	FramingVarint Framing = "varint"
)

// DefaultMaxFrameSize bounds a single length-prefixed frame.
const DefaultMaxFrameSize = 1 << 20

// ParseFraming converts a configuration value into a Framing.
func ParseFraming(s string) (Framing, error) {
	switch Framing(s) {
	case "", FramingRaw:
		return FramingRaw, nil
	case FramingVarint:
		return FramingVarint, nil
	default:
		return "", fmt.Errorf("unknown framing %q (want %q or %q)", s, FramingRaw, FramingVarint)
	}
}

// AppendFrame appends payload to dst with a varint length prefix.
func AppendFrame(dst, payload []byte) []byte {
	return protowire.AppendBytes(dst, payload)
}

// FrameReader reads varint length-prefixed frames from a stream.
type FrameReader struct {
	r   *bufio.Reader
	max int
}

// NewFrameReader creates a FrameReader. A non-positive max uses
// DefaultMaxFrameSize.
func NewFrameReader(r io.Reader, max int) *FrameReader {
	if max <= 0 {
		max = DefaultMaxFrameSize
	}
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &FrameReader{r: br, max: max}
}

// ReadFrame returns the next frame. io.EOF is returned only when the stream
// ends cleanly between frames.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	size, err := fr.readLength()
	if err != nil {
		return nil, err
	}
	if size > uint64(fr.max) {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrFrameTooLarge, size, fr.max)
	}

	frame := make([]byte, size)
	if _, err := io.ReadFull(fr.r, frame); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("failed to read frame body: %w", err)
	}
	return frame, nil
}

func (fr *FrameReader) readLength() (uint64, error) {
	var prefix [binaryMaxVarintLen]byte
	for i := 0; i < len(prefix); i++ {
		b, err := fr.r.ReadByte()
		if err != nil {
			if i > 0 && err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return 0, err
		}
		prefix[i] = b
		if b < 0x80 {
			v, n := protowire.ConsumeVarint(prefix[:i+1])
			if n < 0 {
				return 0, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			return v, nil
		}
	}
	return 0, fmt.Errorf("%w: length prefix overflows", ErrMalformedFrame)
}

// binaryMaxVarintLen is the longest varint protowire will decode.
const binaryMaxVarintLen = 10
