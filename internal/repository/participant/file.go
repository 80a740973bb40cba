package participant

import (
	"encoding/hex"
	"fmt"
	"os"
	"romer_sequencer/internal/cryptographic/signature"
	"romer_sequencer/internal/model"

	"gopkg.in/yaml.v3"
)

type (
	fileEntry struct {
		SenderID  string `yaml:"sender_id"`
		PublicKey string `yaml:"public_key"`
	}

	participantsFile struct {
		Participants []fileEntry `yaml:"participants"`
	}
)

// LoadFile reads a static participant list:
//
//	participants:
//	  - sender_id: ACME
//	    public_key: <hex ed25519 key>
func LoadFile(path string) ([]*model.Participant, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var f participantsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	seen := make(map[string]bool, len(f.Participants))
	out := make([]*model.Participant, 0, len(f.Participants))
	for i, e := range f.Participants {
		if e.SenderID == "" {
			return nil, fmt.Errorf("%s: entry %d has no sender_id", path, i)
		}
		if seen[e.SenderID] {
			return nil, fmt.Errorf("%s: %w: %s", path, ErrAlreadyRegistered, e.SenderID)
		}
		seen[e.SenderID] = true

		raw, err := hex.DecodeString(e.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("%s: %s: decode public key: %w", path, e.SenderID, err)
		}
		pub, err := signature.ParsePublicKey(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %w", path, e.SenderID, err)
		}
		out = append(out, &model.Participant{SenderID: e.SenderID, PublicKey: pub})
	}
	return out, nil
}
