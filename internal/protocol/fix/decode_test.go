package fix

import (
	"bytes"
	"romer_sequencer/internal/model"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	received := time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC)

	msg, err := Decode([]byte(heartbeatFrame), received)
	require.NoError(t, err)
	assert.Equal(t, model.MsgTypeHeartbeat, msg.Type)
	assert.Equal(t, "0", msg.TypeCode)
	assert.Equal(t, "FIX.4.4", msg.BeginString)
	assert.Equal(t, "ACME", msg.SenderID)
	assert.Equal(t, "ROMER", msg.TargetID)
	assert.Equal(t, uint64(1), msg.SeqNum)
	assert.Equal(t, "20240101-00:00:00", msg.SendingTime)
	assert.Equal(t, heartbeatFrame, string(msg.Raw))
	assert.Equal(t, received, msg.ReceivedAt)
}

func TestDecodeUnknownType(t *testing.T) {
	frame := mustFormat(t, "8=FIX.4.4|35=ZZ|49=ACME|56=ROMER|34=4|52=20240101-00:00:00|")

	msg, err := Decode(frame, time.Now())
	require.NoError(t, err)
	assert.Equal(t, model.MsgTypeUnknown, msg.Type)
	assert.Equal(t, "ZZ", msg.TypeCode)
}

func TestDecodeRejects(t *testing.T) {
	cases := map[string]string{
		"missing sender":   "8=FIX.4.4|35=0|56=ROMER|34=1|52=20240101-00:00:00|",
		"empty target":     "8=FIX.4.4|35=0|49=ACME|56=|34=1|52=20240101-00:00:00|",
		"zero seq":         "8=FIX.4.4|35=0|49=ACME|56=ROMER|34=0|52=20240101-00:00:00|",
		"negative seq":     "8=FIX.4.4|35=0|49=ACME|56=ROMER|34=-3|52=20240101-00:00:00|",
		"bad sending time": "8=FIX.4.4|35=0|49=ACME|56=ROMER|34=1|52=2024-01-01T00:00:00|",
		"missing type":     "8=FIX.4.4|49=ACME|56=ROMER|34=1|52=20240101-00:00:00|",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(mustFormat(t, body), time.Now())
			assert.ErrorIs(t, err, ErrParse)
		})
	}
}

func TestParseFields(t *testing.T) {
	fields, err := ParseFields([]byte(heartbeatFrame))
	require.NoError(t, err)
	require.Len(t, fields, 8)
	assert.Equal(t, Field{Tag: TagBeginString, Value: "FIX.4.4"}, fields[0])
	assert.Equal(t, Field{Tag: TagCheckSum, Value: "236"}, fields[7])

	v, ok := fields.Get(TagSenderCompID)
	assert.True(t, ok)
	assert.Equal(t, "ACME", v)
	_, ok = fields.Get(TagHeartBtInt)
	assert.False(t, ok)

	_, err = ParseFields([]byte("8=FIX.4.4|garbage|"))
	assert.ErrorIs(t, err, ErrParse)
}

func TestCheckSendingTime(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 30, 0, time.UTC)

	assert.NoError(t, CheckSendingTime("20240101-00:00:10", now, 30*time.Second))
	assert.NoError(t, CheckSendingTime("20240101-00:00:40.500", now, 30*time.Second))
	assert.ErrorIs(t, CheckSendingTime("20231231-23:59:00", now, 30*time.Second), ErrParse)
	assert.NoError(t, CheckSendingTime("20231231-23:59:00", now, 0))
}

func TestMessageEncode(t *testing.T) {
	sent := time.Date(2024, 3, 4, 5, 6, 7, 890*int(time.Millisecond), time.UTC)
	m := NewMessage(model.MsgTypeLogon)
	m.SenderID = "ROMER"
	m.TargetID = "ACME"
	m.SeqNum = 12
	m.SendingTime = sent
	m.SetInt(TagEncryptMethod, 0).SetInt(TagHeartBtInt, 30).Set(TagText, "hello")
	m.Set(TagText, "welcome")

	raw, err := m.Encode()
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(raw, []byte("8=FIX.4.4\x019=")))

	frame, err := NewCodec(DefaultMaxMessageSize).TryParse(bytes.NewBuffer(raw))
	require.NoError(t, err)
	require.Equal(t, raw, frame)

	msg, err := Decode(frame, sent)
	require.NoError(t, err)
	assert.Equal(t, model.MsgTypeLogon, msg.Type)
	assert.Equal(t, uint64(12), msg.SeqNum)
	assert.Equal(t, "20240304-05:06:07.890", msg.SendingTime)

	fields, err := ParseFields(frame)
	require.NoError(t, err)
	text, _ := fields.Get(TagText)
	assert.Equal(t, "welcome", text)
	assert.Equal(t, 1, strings.Count(string(frame), "58="))
}

func TestValidateApplication(t *testing.T) {
	order := func(extra string) Fields {
		f, err := ParseFields([]byte("8=FIX.4.4|35=D|" + extra))
		require.NoError(t, err)
		return f
	}

	cases := []struct {
		name  string
		typ   model.MsgType
		body  string
		valid bool
	}{
		{"market order", model.MsgTypeNewOrderSingle, "11=c1|55=AAPL|54=1|38=100|40=1|", true},
		{"limit order", model.MsgTypeNewOrderSingle, "11=c1|55=AAPL|54=2|38=0.5|40=2|44=10.25|", true},
		{"limit without price", model.MsgTypeNewOrderSingle, "11=c1|55=AAPL|54=2|38=5|40=2|", false},
		{"zero quantity", model.MsgTypeNewOrderSingle, "11=c1|55=AAPL|54=1|38=0|40=1|", false},
		{"bad side", model.MsgTypeNewOrderSingle, "11=c1|55=AAPL|54=7|38=1|40=1|", false},
		{"missing symbol", model.MsgTypeNewOrderSingle, "11=c1|54=1|38=1|40=1|", false},
		{"negative price", model.MsgTypeNewOrderSingle, "11=c1|55=AAPL|54=1|38=1|40=2|44=-1|", false},
		{"cancel by client id", model.MsgTypeOrderCancelRequest, "41=c1|11=c2|55=AAPL|54=1|", true},
		{"cancel by order id", model.MsgTypeOrderCancelRequest, "37=o-9|55=AAPL|54=2|", true},
		{"cancel without order", model.MsgTypeOrderCancelRequest, "11=c2|55=AAPL|54=1|", false},
		{"cancel without side", model.MsgTypeOrderCancelRequest, "41=c1|55=AAPL|", false},
		{"md snapshot", model.MsgTypeMarketDataRequest, "262=r1|263=0|264=10|", true},
		{"md depth too deep", model.MsgTypeMarketDataRequest, "262=r1|263=1|264=51|", false},
		{"md bad subscription", model.MsgTypeMarketDataRequest, "262=r1|263=9|264=1|", false},
		{"heartbeat passes", model.MsgTypeHeartbeat, "", true},
		{"unknown passes", model.MsgTypeUnknown, "999=x|", true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := ValidateApplication(c.typ, order(c.body))
			if c.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidMessage)
			}
		})
	}
}
