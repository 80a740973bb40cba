package keystore

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"romer_sequencer/internal/cryptographic/encryption"
	"romer_sequencer/internal/cryptographic/kdf"
	"romer_sequencer/internal/cryptographic/signature"
)

const fileVersion = 1

var ErrWrongPassphrase = errors.New("wrong passphrase or corrupted key file")

type (
	// Key is a participant identity: the sender id it logs on as and its
	// Ed25519 keypair.
	Key struct {
		SenderID   string
		PublicKey  ed25519.PublicKey
		PrivateKey ed25519.PrivateKey
	}

	// File is the on-disk form. Only the private key seed is encrypted; the
	// sender id and public key are bound in as associated data.
	File struct {
		Version    int        `json:"version"`
		SenderID   string     `json:"sender_id"`
		PublicKey  string     `json:"public_key"`
		KDF        string     `json:"kdf"`
		Params     kdf.Params `json:"params"`
		Salt       string     `json:"salt"`
		Ciphertext string     `json:"ciphertext"`
	}
)

func Generate(senderID string) (*Key, error) {
	if senderID == "" {
		return nil, errors.New("sender id cannot be empty")
	}
	pub, priv, err := signature.NewEd25519Keypair()
	if err != nil {
		return nil, err
	}
	return &Key{SenderID: senderID, PublicKey: pub, PrivateKey: priv}, nil
}

func (k *Key) PublicKeyHex() string {
	return hex.EncodeToString(k.PublicKey)
}

func Encrypt(k *Key, passphrase []byte, params kdf.Params) (*File, error) {
	salt, err := kdf.NewSalt()
	if err != nil {
		return nil, err
	}
	secret, err := kdf.DeriveKey(passphrase, salt, params)
	if err != nil {
		return nil, err
	}

	f := &File{
		Version:   fileVersion,
		SenderID:  k.SenderID,
		PublicKey: hex.EncodeToString(k.PublicKey),
		KDF:       "argon2id",
		Params:    params,
		Salt:      hex.EncodeToString(salt),
	}
	sealed, err := encryption.Seal(secret, k.PrivateKey.Seed(), f.aad())
	if err != nil {
		return nil, err
	}
	f.Ciphertext = hex.EncodeToString(sealed)
	return f, nil
}

func Decrypt(f *File, passphrase []byte) (*Key, error) {
	if f.Version != fileVersion {
		return nil, fmt.Errorf("unsupported key file version %d", f.Version)
	}
	if f.KDF != "argon2id" {
		return nil, fmt.Errorf("unsupported kdf %q", f.KDF)
	}
	rawPub, err := hex.DecodeString(f.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	pub, err := signature.ParsePublicKey(rawPub)
	if err != nil {
		return nil, err
	}
	salt, err := hex.DecodeString(f.Salt)
	if err != nil {
		return nil, fmt.Errorf("decode salt: %w", err)
	}
	sealed, err := hex.DecodeString(f.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}

	secret, err := kdf.DeriveKey(passphrase, salt, f.Params)
	if err != nil {
		return nil, err
	}
	seed, err := encryption.Open(secret, sealed, f.aad())
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	if len(seed) != ed25519.SeedSize {
		return nil, ErrWrongPassphrase
	}

	priv := ed25519.NewKeyFromSeed(seed)
	if !pub.Equal(priv.Public()) {
		return nil, ErrWrongPassphrase
	}
	return &Key{SenderID: f.SenderID, PublicKey: pub, PrivateKey: priv}, nil
}

func (f *File) aad() []byte {
	return []byte(f.SenderID + "|" + f.PublicKey)
}

// Save writes the encrypted key to path, readable only by the owner.
func Save(path string, k *Key, passphrase []byte) error {
	f, err := Encrypt(k, passphrase, kdf.DefaultParams)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o600)
}

func Load(path string, passphrase []byte) (*Key, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse key file %s: %w", path, err)
	}
	return Decrypt(&f, passphrase)
}
