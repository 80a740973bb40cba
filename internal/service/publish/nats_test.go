package publish

import (
	"encoding/json"
	"romer_sequencer/internal/model"
	"romer_sequencer/internal/service/chain"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockMessage(t *testing.T) {
	block := chain.NewBuilder().BuildBlock(&model.MessageBatch{
		Sequence: 4,
		Messages: []*model.ValidatedMessage{{SenderID: "ACME", TargetID: "ROMER", SeqNum: 1}},
	})

	msg, err := BlockMessage("romer.blocks", block)
	require.NoError(t, err)
	assert.Equal(t, "romer.blocks", msg.Subject)
	assert.Equal(t, "0", msg.Header.Get(HeaderBlockID))
	assert.Equal(t, block.Hash, msg.Header.Get(HeaderBlockHash))

	var decoded model.Block
	require.NoError(t, json.Unmarshal(msg.Data, &decoded))
	assert.True(t, chain.VerifyBlock(&decoded))
	assert.Equal(t, uint64(4), decoded.Header.BatchSequence)
}
