package fix

import (
	"fmt"
	"romer_sequencer/internal/model"
	"time"
)

const (
	SendingTimeLayout       = "20060102-15:04:05"
	SendingTimeLayoutMillis = "20060102-15:04:05.000"
)

var requiredHeader = []int{
	TagBeginString,
	TagBodyLength,
	TagMsgType,
	TagSenderCompID,
	TagTargetCompID,
	TagMsgSeqNum,
	TagSendingTime,
}

// Decode extracts the header of a frame returned by Codec.TryParse.
// Unknown message types are kept with MsgTypeUnknown and their wire code.
func Decode(frame []byte, receivedAt time.Time) (*model.ValidatedMessage, error) {
	fields, err := ParseFields(frame)
	if err != nil {
		return nil, err
	}
	if fields[0].Tag != TagBeginString {
		return nil, fmt.Errorf("%w: tag 8 must come first", ErrParse)
	}
	for _, tag := range requiredHeader {
		v, ok := fields.Get(tag)
		if !ok || v == "" {
			return nil, fmt.Errorf("%w: missing required tag %d", ErrParse, tag)
		}
	}

	seq, err := fields.Int(TagMsgSeqNum)
	if err != nil {
		return nil, err
	}
	if seq == 0 {
		return nil, fmt.Errorf("%w: MsgSeqNum must be positive", ErrParse)
	}

	sendingTime, _ := fields.Get(TagSendingTime)
	if _, err := ParseSendingTime(sendingTime); err != nil {
		return nil, err
	}

	code, _ := fields.Get(TagMsgType)
	msgType, _ := model.MsgTypeFromWire(code)
	begin, _ := fields.Get(TagBeginString)
	sender, _ := fields.Get(TagSenderCompID)
	target, _ := fields.Get(TagTargetCompID)

	return &model.ValidatedMessage{
		Type:        msgType,
		TypeCode:    code,
		BeginString: begin,
		SenderID:    sender,
		TargetID:    target,
		SeqNum:      seq,
		SendingTime: sendingTime,
		Raw:         frame,
		ReceivedAt:  receivedAt,
	}, nil
}

// ParseSendingTime accepts YYYYMMDD-HH:MM:SS with optional milliseconds, in UTC.
func ParseSendingTime(v string) (time.Time, error) {
	layout := SendingTimeLayout
	if len(v) == len(SendingTimeLayoutMillis) {
		layout = SendingTimeLayoutMillis
	}
	t, err := time.Parse(layout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad SendingTime %q", ErrParse, v)
	}
	return t, nil
}

func FormatSendingTime(t time.Time) string {
	return t.UTC().Format(SendingTimeLayoutMillis)
}

// CheckSendingTime rejects timestamps further than maxSkew from now.
// A zero maxSkew disables the check.
func CheckSendingTime(v string, now time.Time, maxSkew time.Duration) error {
	t, err := ParseSendingTime(v)
	if err != nil {
		return err
	}
	if maxSkew <= 0 {
		return nil
	}
	diff := now.Sub(t)
	if diff < 0 {
		diff = -diff
	}
	if diff > maxSkew {
		return fmt.Errorf("%w: SendingTime %s is %s away from now", ErrParse, v, diff.Round(time.Millisecond))
	}
	return nil
}
