package signature

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	ErrMalformedKey       = errors.New("malformed ed25519 key")
	ErrMalformedSignature = errors.New("malformed ed25519 signature")
)

func NewEd25519Keypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

func ParsePublicKey(raw []byte) (ed25519.PublicKey, error) {
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key is %d bytes", ErrMalformedKey, len(raw))
	}
	key := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(key, raw)
	return key, nil
}

// SignHex signs digest and hex-encodes the signature.
func SignHex(priv ed25519.PrivateKey, digest []byte) string {
	return hex.EncodeToString(ed25519.Sign(priv, digest))
}

// VerifyHex checks a hex-encoded signature over digest.
func VerifyHex(pub ed25519.PublicKey, digest []byte, sigHex string) error {
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrMalformedSignature
	}
	if !ed25519.Verify(pub, digest, sig) {
		return errors.New("ed25519 signature does not match")
	}
	return nil
}
