package fix

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

const (
	TagBeginString   = 8
	TagBodyLength    = 9
	TagCheckSum      = 10
	TagClOrdID       = 11
	TagMsgSeqNum     = 34
	TagMsgType       = 35
	TagNewSeqNo      = 36
	TagOrderID       = 37
	TagOrderQty      = 38
	TagOrdType       = 40
	TagOrigClOrdID   = 41
	TagPrice         = 44
	TagRefSeqNum     = 45
	TagSenderCompID  = 49
	TagSendingTime   = 52
	TagSide          = 54
	TagSymbol        = 55
	TagTargetCompID  = 56
	TagText          = 58
	TagRawData       = 96
	TagEncryptMethod = 98
	TagHeartBtInt    = 108
	TagTestReqID     = 112
	TagNoRelatedSym  = 146
	TagMDReqID       = 262
	TagSubReqType    = 263
	TagMarketDepth   = 264
	TagRefMsgType    = 372
	TagPassword      = 554
)

var ErrParse = errors.New("fix parse error")

type (
	Field struct {
		Tag   int
		Value string
	}

	// Fields is the ordered tag=value view of a raw frame.
	Fields []Field
)

// Get returns the first value for tag.
func (f Fields) Get(tag int) (string, bool) {
	for _, field := range f {
		if field.Tag == tag {
			return field.Value, true
		}
	}
	return "", false
}

func (f Fields) Has(tag int) bool {
	_, ok := f.Get(tag)
	return ok
}

// Int parses the value of tag as a non-negative integer.
func (f Fields) Int(tag int) (uint64, error) {
	v, ok := f.Get(tag)
	if !ok {
		return 0, fmt.Errorf("%w: missing tag %d", ErrParse, tag)
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: tag %d is not an integer: %q", ErrParse, tag, v)
	}
	return n, nil
}

// Delimiter reports which field terminator raw uses, SOH or '|'.
func Delimiter(raw []byte) byte {
	if i := bytes.IndexAny(raw, "\x01|"); i >= 0 {
		return raw[i]
	}
	return SOH
}

// ParseFields splits a frame into its fields, keeping wire order.
func ParseFields(raw []byte) (Fields, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrParse)
	}
	delim := Delimiter(raw)
	parts := bytes.Split(bytes.TrimSuffix(raw, []byte{delim}), []byte{delim})

	fields := make(Fields, 0, len(parts))
	for _, part := range parts {
		eq := bytes.IndexByte(part, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("%w: malformed field %q", ErrParse, part)
		}
		tag, err := strconv.Atoi(string(part[:eq]))
		if err != nil || tag <= 0 {
			return nil, fmt.Errorf("%w: malformed tag %q", ErrParse, part[:eq])
		}
		fields = append(fields, Field{Tag: tag, Value: string(part[eq+1:])})
	}
	return fields, nil
}
