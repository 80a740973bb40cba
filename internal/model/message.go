package model

import "time"

// MsgType is the closed set of FIX message kinds the sequencer understands.
type MsgType uint8

const (
	MsgTypeUnknown MsgType = iota
	MsgTypeHeartbeat
	MsgTypeTestRequest
	MsgTypeReject
	MsgTypeSequenceReset
	MsgTypeLogout
	MsgTypeLogon
	MsgTypeNewOrderSingle
	MsgTypeMarketDataRequest
	MsgTypeMarketDataSnapshot
	MsgTypeResendRequest
	MsgTypeOrderCancelRequest
)

var (
	wireCodes = map[MsgType]string{
		MsgTypeHeartbeat:          "0",
		MsgTypeTestRequest:        "1",
		MsgTypeReject:             "3",
		MsgTypeSequenceReset:      "4",
		MsgTypeLogout:             "5",
		MsgTypeLogon:              "A",
		MsgTypeNewOrderSingle:     "D",
		MsgTypeMarketDataRequest:  "V",
		MsgTypeMarketDataSnapshot: "W",
		MsgTypeResendRequest:      "2",
		MsgTypeOrderCancelRequest: "F",
	}

	fromWire = func() map[string]MsgType {
		m := make(map[string]MsgType, len(wireCodes))
		for t, code := range wireCodes {
			m[code] = t
		}
		return m
	}()

	names = map[MsgType]string{
		MsgTypeUnknown:            "Unknown",
		MsgTypeHeartbeat:          "Heartbeat",
		MsgTypeTestRequest:        "TestRequest",
		MsgTypeReject:             "Reject",
		MsgTypeSequenceReset:      "SequenceReset",
		MsgTypeLogout:             "Logout",
		MsgTypeLogon:              "Logon",
		MsgTypeNewOrderSingle:     "NewOrderSingle",
		MsgTypeMarketDataRequest:  "MarketDataRequest",
		MsgTypeMarketDataSnapshot: "MarketDataSnapshot",
		MsgTypeResendRequest:      "ResendRequest",
		MsgTypeOrderCancelRequest: "OrderCancelRequest",
	}
)

// MsgTypeFromWire maps a tag 35 value to its kind. Unknown codes are not an error.
func MsgTypeFromWire(code string) (MsgType, bool) {
	t, ok := fromWire[code]
	if !ok {
		return MsgTypeUnknown, false
	}
	return t, true
}

// Wire returns the tag 35 value, or "" for MsgTypeUnknown.
func (t MsgType) Wire() string {
	return wireCodes[t]
}

func (t MsgType) String() string {
	if n, ok := names[t]; ok {
		return n
	}
	return "Unknown"
}

// IsAdmin reports whether the kind belongs to the session layer rather than the application.
func (t MsgType) IsAdmin() bool {
	switch t {
	case MsgTypeHeartbeat, MsgTypeTestRequest, MsgTypeResendRequest, MsgTypeReject, MsgTypeSequenceReset, MsgTypeLogout, MsgTypeLogon:
		return true
	}
	return false
}

// AllMsgTypes lists every defined kind.
func AllMsgTypes() []MsgType {
	return []MsgType{
		MsgTypeHeartbeat,
		MsgTypeTestRequest,
		MsgTypeResendRequest,
		MsgTypeReject,
		MsgTypeSequenceReset,
		MsgTypeLogout,
		MsgTypeLogon,
		MsgTypeNewOrderSingle,
		MsgTypeOrderCancelRequest,
		MsgTypeMarketDataRequest,
		MsgTypeMarketDataSnapshot,
	}
}

type (
	// ValidatedMessage is one checksum-verified wire message plus its extracted header.
	// The full field list is derived from Raw on demand and never stored.
	ValidatedMessage struct {
		Type        MsgType   `json:"type" bson:"type"`
		TypeCode    string    `json:"type_code" bson:"type_code"`
		BeginString string    `json:"begin_string" bson:"begin_string"`
		SenderID    string    `json:"sender_id" bson:"sender_id"`
		TargetID    string    `json:"target_id" bson:"target_id"`
		SeqNum      uint64    `json:"seq_num" bson:"seq_num"`
		SendingTime string    `json:"sending_time" bson:"sending_time"`
		Raw         []byte    `json:"raw" bson:"raw"`
		ReceivedAt  time.Time `json:"received_at" bson:"received_at"`
	}
)
