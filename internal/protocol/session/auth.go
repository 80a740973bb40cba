package session

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"romer_sequencer/internal/cryptographic/signature"
	"romer_sequencer/internal/protocol/fix"
	"sync"
)

var (
	ErrAuthentication     = errors.New("logon authentication failed")
	ErrNotAuthenticating  = fmt.Errorf("%w: session is not authenticating", ErrAuthentication)
	ErrMissingLogonField  = fmt.Errorf("%w: missing logon field", ErrAuthentication)
	ErrUnknownSender      = fmt.Errorf("%w: unknown sender", ErrAuthentication)
	ErrBadSignature       = fmt.Errorf("%w: bad signature", ErrAuthentication)
	ErrSenderMismatch     = fmt.Errorf("%w: logon sender does not match session", ErrAuthentication)
	ErrEmptySenderID      = errors.New("sender id cannot be empty")
	ErrKeyAlreadyAssigned = errors.New("sender already has a different key")
)

type logonField struct {
	tag      int
	name     string
	required bool
}

// Digest field order is fixed; changing it invalidates every participant signature.
var logonDigestFields = []logonField{
	{fix.TagSenderCompID, "SenderCompID", true},
	{fix.TagTargetCompID, "TargetCompID", true},
	{fix.TagSendingTime, "SendingTime", true},
	{fix.TagHeartBtInt, "HeartBtInt", true},
	{fix.TagEncryptMethod, "EncryptMethod", false},
	{fix.TagRawData, "RawData", false},
}

type (
	// KeyRegistry maps sender ids to their Ed25519 logon keys.
	KeyRegistry interface {
		RegisterKey(senderID string, publicKey []byte) error
		LookupKey(senderID string) (ed25519.PublicKey, bool)
	}

	Authenticator struct {
		mu   sync.RWMutex
		keys map[string]ed25519.PublicKey
	}
)

var _ KeyRegistry = (*Authenticator)(nil)

func NewAuthenticator() *Authenticator {
	return &Authenticator{
		keys: make(map[string]ed25519.PublicKey),
	}
}

// RegisterKey is idempotent for the same key; a sender cannot silently switch keys.
func (a *Authenticator) RegisterKey(senderID string, publicKey []byte) error {
	if senderID == "" {
		return ErrEmptySenderID
	}
	key, err := signature.ParsePublicKey(publicKey)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if existing, ok := a.keys[senderID]; ok && !existing.Equal(key) {
		return fmt.Errorf("%w: %s", ErrKeyAlreadyAssigned, senderID)
	}
	a.keys[senderID] = key
	return nil
}

func (a *Authenticator) LookupKey(senderID string) (ed25519.PublicKey, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	key, ok := a.keys[senderID]
	return key, ok
}

func (a *Authenticator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.keys)
}

// AuthenticateLogon verifies the Logon signature and promotes the session to
// Active. On any failure the session stays in Authenticating.
func (a *Authenticator) AuthenticateLogon(s *Session, fields fix.Fields) error {
	if s.State != Authenticating {
		return fmt.Errorf("%w (state %s)", ErrNotAuthenticating, s.State)
	}

	digest, err := LogonDigest(fields)
	if err != nil {
		return err
	}

	sender, _ := fields.Get(fix.TagSenderCompID)
	if sender != s.SenderID {
		return fmt.Errorf("%w: %q vs %q", ErrSenderMismatch, sender, s.SenderID)
	}

	sig, ok := fields.Get(fix.TagPassword)
	if !ok || sig == "" {
		return fmt.Errorf("%w: Password(%d)", ErrMissingLogonField, fix.TagPassword)
	}

	key, ok := a.LookupKey(sender)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSender, sender)
	}

	if err := signature.VerifyHex(key, digest, sig); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	return s.Transition(Active)
}

// LogonDigest hashes the canonical logon fields as name=value| pairs.
func LogonDigest(fields fix.Fields) ([]byte, error) {
	h := sha256.New()
	for _, f := range logonDigestFields {
		v, ok := fields.Get(f.tag)
		if !ok {
			if f.required {
				return nil, fmt.Errorf("%w: %s(%d)", ErrMissingLogonField, f.name, f.tag)
			}
			continue
		}
		fmt.Fprintf(h, "%s=%s|", f.name, v)
	}
	return h.Sum(nil), nil
}

// SignLogon produces the hex signature a participant puts in Password(554).
func SignLogon(priv ed25519.PrivateKey, fields fix.Fields) (string, error) {
	digest, err := LogonDigest(fields)
	if err != nil {
		return "", err
	}
	return signature.SignHex(priv, digest), nil
}
