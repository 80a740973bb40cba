package keystore

import (
	"crypto/ed25519"
	"path/filepath"
	"romer_sequencer/internal/cryptographic/kdf"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cheap params keep the tests fast
var testParams = kdf.Params{Time: 1, Memory: 1024, Threads: 1}

func TestEncryptDecrypt(t *testing.T) {
	k, err := Generate("ACME")
	require.NoError(t, err)

	f, err := Encrypt(k, []byte("correct horse"), testParams)
	require.NoError(t, err)
	assert.Equal(t, "ACME", f.SenderID)
	assert.Equal(t, k.PublicKeyHex(), f.PublicKey)
	assert.NotContains(t, f.Ciphertext, k.PublicKeyHex())

	got, err := Decrypt(f, []byte("correct horse"))
	require.NoError(t, err)
	assert.Equal(t, "ACME", got.SenderID)
	assert.True(t, k.PrivateKey.Equal(got.PrivateKey))

	sig := ed25519.Sign(got.PrivateKey, []byte("logon"))
	assert.True(t, ed25519.Verify(k.PublicKey, []byte("logon"), sig))
}

func TestDecryptRejects(t *testing.T) {
	k, err := Generate("ACME")
	require.NoError(t, err)
	other, err := Generate("OTHER")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(f *File)
		pass   string
	}{
		{name: "wrong passphrase", mutate: func(f *File) {}, pass: "wrong"},
		{name: "sender swapped", mutate: func(f *File) { f.SenderID = "OTHER" }, pass: "secret"},
		{name: "public key swapped", mutate: func(f *File) { f.PublicKey = other.PublicKeyHex() }, pass: "secret"},
		{name: "ciphertext truncated", mutate: func(f *File) { f.Ciphertext = f.Ciphertext[:20] }, pass: "secret"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Encrypt(k, []byte("secret"), testParams)
			require.NoError(t, err)
			tt.mutate(f)

			_, err = Decrypt(f, []byte(tt.pass))
			assert.ErrorIs(t, err, ErrWrongPassphrase)
		})
	}
}

func TestSaveLoad(t *testing.T) {
	k, err := Generate("ACME")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "keys", "acme.json")
	require.NoError(t, Save(path, k, []byte("pw")))

	got, err := Load(path, []byte("pw"))
	require.NoError(t, err)
	assert.True(t, k.PublicKey.Equal(got.PublicKey))

	_, err = Load(path, []byte("nope"))
	assert.ErrorIs(t, err, ErrWrongPassphrase)

	_, err = Generate("")
	assert.Error(t, err)
}
