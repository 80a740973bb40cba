package participant

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"romer_sequencer/internal/cryptographic/signature"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "participants.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	pub, _, err := signature.NewEd25519Keypair()
	require.NoError(t, err)
	key := hex.EncodeToString(pub)

	path := writeFile(t, "participants:\n  - sender_id: ACME\n    public_key: "+key+"\n")
	got, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ACME", got[0].SenderID)
	assert.Equal(t, []byte(pub), got[0].PublicKey)

	tests := map[string]string{
		"duplicate":    "participants:\n  - {sender_id: ACME, public_key: " + key + "}\n  - {sender_id: ACME, public_key: " + key + "}\n",
		"missing id":   "participants:\n  - {public_key: " + key + "}\n",
		"bad hex":      "participants:\n  - {sender_id: ACME, public_key: zz}\n",
		"short key":    "participants:\n  - {sender_id: ACME, public_key: abcd}\n",
		"invalid yaml": "participants: [",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadFile(writeFile(t, body))
			assert.Error(t, err)
		})
	}

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
