package fix

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

const (
	SOH  byte = 0x01
	Pipe byte = '|'

	DefaultMaxMessageSize = 4096

	// "10=NNN" plus its terminator.
	trailerLen = 7
	// longest begin string we are willing to wait for before giving up on a frame.
	maxBeginStringLen = 32
	maxLengthDigits   = 10
)

var beginMarker = []byte("8=FIX")

var (
	ErrFraming          = errors.New("fix framing error")
	ErrMalformedLength  = fmt.Errorf("%w: malformed body length", ErrFraming)
	ErrMessageTooLarge  = fmt.Errorf("%w: message too large", ErrFraming)
	ErrBadTrailer       = fmt.Errorf("%w: malformed checksum trailer", ErrFraming)
	ErrChecksumMismatch = fmt.Errorf("%w: checksum mismatch", ErrFraming)
)

type (
	// Codec extracts complete FIX frames from a growing byte buffer.
	Codec struct {
		MaxMessageSize int
	}
)

func NewCodec(maxMessageSize int) *Codec {
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	return &Codec{MaxMessageSize: maxMessageSize}
}

// TryParse returns the next complete, checksum-verified frame in buf and
// consumes it. It returns (nil, nil) while the frame is still incomplete, in
// which case buf is left as it was apart from any garbage in front of the
// begin string.
func (c *Codec) TryParse(buf *bytes.Buffer) ([]byte, error) {
	data := buf.Bytes()

	start := bytes.Index(data, beginMarker)
	if start < 0 {
		// keep a possible partial marker at the tail
		if keep := len(beginMarker) - 1; len(data) > keep {
			buf.Next(len(data) - keep)
		}
		return nil, nil
	}
	if start > 0 {
		buf.Next(start)
		data = buf.Bytes()
	}

	beginEnd := bytes.IndexAny(data, "\x01|")
	if beginEnd < 0 {
		if len(data) > maxBeginStringLen {
			return nil, fmt.Errorf("%w: begin string not terminated", ErrMalformedLength)
		}
		return nil, nil
	}
	delim := data[beginEnd]

	lengthTag := beginEnd + 1
	if len(data) < lengthTag+2 {
		return nil, nil
	}
	if data[lengthTag] != '9' || data[lengthTag+1] != '=' {
		return nil, fmt.Errorf("%w: tag 9 must follow begin string", ErrMalformedLength)
	}

	lengthStart := lengthTag + 2
	lengthEnd := bytes.IndexByte(data[lengthStart:], delim)
	if lengthEnd < 0 {
		if len(data)-lengthStart > maxLengthDigits {
			return nil, fmt.Errorf("%w: length field not terminated", ErrMalformedLength)
		}
		return nil, nil
	}
	bodyLen, err := parseLength(data[lengthStart : lengthStart+lengthEnd])
	if err != nil {
		return nil, err
	}
	if bodyLen > c.MaxMessageSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, bodyLen, c.MaxMessageSize)
	}

	bodyStart := lengthStart + lengthEnd + 1
	trailerStart := bodyStart + bodyLen
	frameEnd := trailerStart + trailerLen
	if len(data) < frameEnd {
		return nil, nil
	}

	want, err := parseTrailer(data[trailerStart:frameEnd], delim)
	if err != nil {
		return nil, err
	}
	if got := Checksum(data[:trailerStart]); got != want {
		return nil, fmt.Errorf("%w: computed %s, declared %s", ErrChecksumMismatch, FormatChecksum(got), FormatChecksum(want))
	}

	frame := make([]byte, frameEnd)
	copy(frame, data[:frameEnd])
	buf.Next(frameEnd)
	return frame, nil
}

func parseLength(b []byte) (int, error) {
	if len(b) == 0 || len(b) > maxLengthDigits {
		return 0, fmt.Errorf("%w: %q", ErrMalformedLength, b)
	}
	for _, ch := range b {
		if ch < '0' || ch > '9' {
			return 0, fmt.Errorf("%w: %q", ErrMalformedLength, b)
		}
	}
	n, err := strconv.Atoi(string(b))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformedLength, b)
	}
	return n, nil
}

func parseTrailer(t []byte, delim byte) (int, error) {
	if len(t) != trailerLen || t[0] != '1' || t[1] != '0' || t[2] != '=' || t[6] != delim {
		return 0, fmt.Errorf("%w: %q", ErrBadTrailer, t)
	}
	sum := 0
	for _, ch := range t[3:6] {
		if ch < '0' || ch > '9' {
			return 0, fmt.Errorf("%w: %q", ErrBadTrailer, t)
		}
		sum = sum*10 + int(ch-'0')
	}
	return sum, nil
}

// Checksum is the byte sum of b modulo 256.
func Checksum(b []byte) int {
	sum := 0
	for _, ch := range b {
		sum += int(ch)
	}
	return sum % 256
}

// FormatChecksum renders a checksum as three zero-padded decimal digits.
func FormatChecksum(sum int) string {
	return fmt.Sprintf("%03d", sum%256)
}

// FormatMessage makes msg self-verifying. When msg carries no checksum field
// the body length is recomputed and the trailer appended; a message that
// already has a trailer is only terminated.
func FormatMessage(msg []byte) ([]byte, error) {
	if !bytes.HasPrefix(msg, beginMarker) {
		return nil, fmt.Errorf("%w: missing begin string", ErrFraming)
	}
	beginEnd := bytes.IndexAny(msg, "\x01|")
	if beginEnd < 0 {
		return nil, fmt.Errorf("%w: begin string not terminated", ErrMalformedLength)
	}
	delim := msg[beginEnd]

	out := make([]byte, 0, len(msg)+trailerLen+8)
	out = append(out, msg...)
	if out[len(out)-1] != delim {
		out = append(out, delim)
	}
	if hasChecksumField(out, delim) {
		return out, nil
	}

	// rebuild: begin string, fresh tag 9, everything else as the body
	rest := out[beginEnd+1:]
	if bytes.HasPrefix(rest, []byte("9=")) {
		next := bytes.IndexByte(rest, delim)
		rest = rest[next+1:]
	}

	frame := make([]byte, 0, len(out)+trailerLen+8)
	frame = append(frame, out[:beginEnd+1]...)
	frame = append(frame, "9="...)
	frame = strconv.AppendInt(frame, int64(len(rest)), 10)
	frame = append(frame, delim)
	frame = append(frame, rest...)
	sum := Checksum(frame)
	frame = append(frame, "10="...)
	frame = append(frame, FormatChecksum(sum)...)
	frame = append(frame, delim)
	return frame, nil
}

func hasChecksumField(msg []byte, delim byte) bool {
	if bytes.HasPrefix(msg, []byte("10=")) {
		return true
	}
	return bytes.Contains(msg, []byte{delim, '1', '0', '='})
}
