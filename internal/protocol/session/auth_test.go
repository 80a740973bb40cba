package session

import (
	"romer_sequencer/internal/protocol/fix"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func authenticating(sender string) *Session {
	s := NewSession(sender, "ROMER", 30*time.Second, nil, time.Now())
	s.State = Authenticating
	return s
}

func replace(fields fix.Fields, tag int, value string) fix.Fields {
	out := append(fix.Fields(nil), fields...)
	for i := range out {
		if out[i].Tag == tag {
			out[i].Value = value
		}
	}
	return out
}

func TestAuthenticateLogon(t *testing.T) {
	auth := NewAuthenticator()
	acme := newParticipant(t, "ACME")
	require.NoError(t, auth.RegisterKey("ACME", acme.pub))

	t.Run("valid signature activates", func(t *testing.T) {
		s := authenticating("ACME")
		require.NoError(t, auth.AuthenticateLogon(s, acme.logonFields(t, "30")))
		assert.Equal(t, Active, s.State)
	})

	t.Run("tampered field", func(t *testing.T) {
		s := authenticating("ACME")
		fields := replace(acme.logonFields(t, "30"), fix.TagHeartBtInt, "31")
		err := auth.AuthenticateLogon(s, fields)
		assert.ErrorIs(t, err, ErrBadSignature)
		assert.ErrorIs(t, err, ErrAuthentication)
		assert.Equal(t, Authenticating, s.State)
	})

	t.Run("signature from another key", func(t *testing.T) {
		s := authenticating("ACME")
		mallory := newParticipant(t, "ACME")
		err := auth.AuthenticateLogon(s, mallory.logonFields(t, "30"))
		assert.ErrorIs(t, err, ErrBadSignature)
		assert.Equal(t, Authenticating, s.State)
	})

	t.Run("garbage signature", func(t *testing.T) {
		s := authenticating("ACME")
		fields := replace(acme.logonFields(t, "30"), fix.TagPassword, "zz")
		assert.ErrorIs(t, auth.AuthenticateLogon(s, fields), ErrBadSignature)
	})

	t.Run("unknown sender", func(t *testing.T) {
		s := authenticating("GHOST")
		ghost := newParticipant(t, "GHOST")
		assert.ErrorIs(t, auth.AuthenticateLogon(s, ghost.logonFields(t, "30")), ErrUnknownSender)
		assert.Equal(t, Authenticating, s.State)
	})

	t.Run("sender mismatch", func(t *testing.T) {
		s := authenticating("OTHER")
		assert.ErrorIs(t, auth.AuthenticateLogon(s, acme.logonFields(t, "30")), ErrSenderMismatch)
	})

	t.Run("missing heartbeat", func(t *testing.T) {
		s := authenticating("ACME")
		var fields fix.Fields
		for _, f := range acme.logonFields(t, "30") {
			if f.Tag != fix.TagHeartBtInt {
				fields = append(fields, f)
			}
		}
		assert.ErrorIs(t, auth.AuthenticateLogon(s, fields), ErrMissingLogonField)
		assert.Equal(t, Authenticating, s.State)
	})

	t.Run("missing signature", func(t *testing.T) {
		s := authenticating("ACME")
		fields := acme.logonFields(t, "30")
		assert.ErrorIs(t, auth.AuthenticateLogon(s, fields[:len(fields)-1]), ErrMissingLogonField)
	})

	t.Run("wrong state", func(t *testing.T) {
		s := authenticating("ACME")
		s.State = Connecting
		assert.ErrorIs(t, auth.AuthenticateLogon(s, acme.logonFields(t, "30")), ErrNotAuthenticating)
		assert.Equal(t, Connecting, s.State)
	})
}

func TestLogonDigestOptionalFields(t *testing.T) {
	base := fix.Fields{
		{Tag: fix.TagSenderCompID, Value: "ACME"},
		{Tag: fix.TagTargetCompID, Value: "ROMER"},
		{Tag: fix.TagSendingTime, Value: "20240101-00:00:00"},
		{Tag: fix.TagHeartBtInt, Value: "30"},
	}
	without, err := LogonDigest(base)
	require.NoError(t, err)

	with, err := LogonDigest(append(base, fix.Field{Tag: fix.TagEncryptMethod, Value: "0"}))
	require.NoError(t, err)
	assert.NotEqual(t, without, with)

	// non-canonical tags do not affect the digest
	extra, err := LogonDigest(append(base, fix.Field{Tag: fix.TagMsgSeqNum, Value: "9"}))
	require.NoError(t, err)
	assert.Equal(t, without, extra)
}

func TestRegisterKey(t *testing.T) {
	auth := NewAuthenticator()
	p := newParticipant(t, "ACME")

	assert.Error(t, auth.RegisterKey("ACME", []byte("short")))
	assert.ErrorIs(t, auth.RegisterKey("", p.pub), ErrEmptySenderID)

	require.NoError(t, auth.RegisterKey("ACME", p.pub))
	require.NoError(t, auth.RegisterKey("ACME", p.pub))
	assert.ErrorIs(t, auth.RegisterKey("ACME", newParticipant(t, "ACME").pub), ErrKeyAlreadyAssigned)

	key, ok := auth.LookupKey("ACME")
	assert.True(t, ok)
	assert.True(t, key.Equal(p.pub))
	assert.Equal(t, 1, auth.Len())

	_, ok = auth.LookupKey("NOBODY")
	assert.False(t, ok)
}

func TestNewLogonRoundTrip(t *testing.T) {
	auth := NewAuthenticator()
	acme := newParticipant(t, "ACME")
	require.NoError(t, auth.RegisterKey("ACME", acme.pub))

	logon, err := NewLogon("ACME", "ROMER", 30*time.Second, acme.priv, 1, time.Now())
	require.NoError(t, err)
	frame, err := logon.Encode()
	require.NoError(t, err)

	decoded, err := fix.Decode(frame, time.Now())
	require.NoError(t, err)
	fields, err := fix.ParseFields(decoded.Raw)
	require.NoError(t, err)
	hb, err := fields.Int(fix.TagHeartBtInt)
	require.NoError(t, err)
	assert.Equal(t, uint64(30), hb)

	s := authenticating("ACME")
	require.NoError(t, auth.AuthenticateLogon(s, fields))
	assert.Equal(t, Active, s.State)
}
