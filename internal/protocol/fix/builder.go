package fix

import (
	"bytes"
	"romer_sequencer/internal/model"
	"strconv"
	"time"
)

const DefaultBeginString = "FIX.4.4"

type (
	// Message is an outgoing message under construction. Header fields are
	// written in standard order by Encode; Body keeps insertion order.
	Message struct {
		BeginString string
		Type        model.MsgType
		SenderID    string
		TargetID    string
		SeqNum      uint64
		SendingTime time.Time
		Body        Fields
		Delimiter   byte
	}
)

func NewMessage(t model.MsgType) *Message {
	return &Message{
		BeginString: DefaultBeginString,
		Type:        t,
		Delimiter:   SOH,
	}
}

func (m *Message) Set(tag int, value string) *Message {
	for i := range m.Body {
		if m.Body[i].Tag == tag {
			m.Body[i].Value = value
			return m
		}
	}
	m.Body = append(m.Body, Field{Tag: tag, Value: value})
	return m
}

func (m *Message) SetInt(tag int, value int64) *Message {
	return m.Set(tag, strconv.FormatInt(value, 10))
}

func (m *Message) Get(tag int) (string, bool) {
	return m.Body.Get(tag)
}

// HeaderFields returns the header fields between tag 9 and the body, in wire order.
func (m *Message) HeaderFields() Fields {
	return Fields{
		{Tag: TagMsgType, Value: m.Type.Wire()},
		{Tag: TagSenderCompID, Value: m.SenderID},
		{Tag: TagTargetCompID, Value: m.TargetID},
		{Tag: TagMsgSeqNum, Value: strconv.FormatUint(m.SeqNum, 10)},
		{Tag: TagSendingTime, Value: FormatSendingTime(m.SendingTime)},
	}
}

// Encode produces a framed, checksummed message.
func (m *Message) Encode() ([]byte, error) {
	delim := m.Delimiter
	if delim == 0 {
		delim = SOH
	}
	begin := m.BeginString
	if begin == "" {
		begin = DefaultBeginString
	}

	var b bytes.Buffer
	b.WriteString("8=")
	b.WriteString(begin)
	b.WriteByte(delim)
	for _, f := range m.HeaderFields() {
		writeField(&b, f, delim)
	}
	for _, f := range m.Body {
		writeField(&b, f, delim)
	}
	return FormatMessage(b.Bytes())
}

// Fields returns every field of the message as Encode would lay them out,
// minus length and checksum.
func (m *Message) Fields() Fields {
	begin := m.BeginString
	if begin == "" {
		begin = DefaultBeginString
	}
	out := Fields{{Tag: TagBeginString, Value: begin}}
	out = append(out, m.HeaderFields()...)
	return append(out, m.Body...)
}

func writeField(b *bytes.Buffer, f Field, delim byte) {
	b.WriteString(strconv.Itoa(f.Tag))
	b.WriteByte('=')
	b.WriteString(f.Value)
	b.WriteByte(delim)
}
