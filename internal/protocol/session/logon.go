package session

import (
	"crypto/ed25519"
	"romer_sequencer/internal/model"
	"romer_sequencer/internal/protocol/fix"
	"time"
)

// NewLogon builds a signed Logon as a participant sends it.
func NewLogon(senderID, targetID string, heartbeat time.Duration, priv ed25519.PrivateKey, seq uint64, now time.Time) (*fix.Message, error) {
	m := fix.NewMessage(model.MsgTypeLogon)
	m.SenderID = senderID
	m.TargetID = targetID
	m.SeqNum = seq
	m.SendingTime = now
	m.SetInt(fix.TagEncryptMethod, 0)
	m.SetInt(fix.TagHeartBtInt, int64(heartbeat/time.Second))

	sig, err := SignLogon(priv, m.Fields())
	if err != nil {
		return nil, err
	}
	m.Set(fix.TagPassword, sig)
	return m, nil
}
