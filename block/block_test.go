package block

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"folioledger/types"
)

func TestComputeHashIsDeterministic(t *testing.T) {
	tx := types.NewTransaction(types.TxKindRecordIssuance, []byte(`{"doc":"a"}`), "registrar-1")
	blk := AssembleBlock(3, [32]byte{1, 2, 3}, "authority-1", []*types.Transaction{tx})

	assert.Equal(t, blk.Hash, blk.ComputeHash())

	// Status changes do not affect the content hash.
	blk.Status = StatusConfirmed
	assert.Equal(t, blk.Hash, blk.ComputeHash())

	// Content changes do.
	blk.ProducerID = "someone-else"
	assert.NotEqual(t, blk.Hash, blk.ComputeHash())
}

func TestSignAndVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	blk := AssembleBlock(0, [32]byte{}, "authority-1", nil)
	blk.Sign(priv)
	assert.True(t, blk.VerifySignature(pub))

	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	assert.False(t, blk.VerifySignature(otherPub))
}

func TestGenesis(t *testing.T) {
	blk := Genesis("authority-1")

	assert.Equal(t, uint64(0), blk.Sequence)
	assert.Equal(t, [32]byte{}, blk.PrevHash)
	require.Len(t, blk.Transactions, 1)
	assert.Equal(t, types.TxKindGenesisInit, blk.Transactions[0].Kind)
	assert.Equal(t, types.TxStatusIncluded, blk.Transactions[0].Status)
	assert.Equal(t, blk.Hash, blk.ComputeHash())
}

func TestTxIDs(t *testing.T) {
	a := types.NewTransaction(types.TxKindRecordIssuance, nil, "registrar-1")
	b := types.NewTransaction(types.TxKindDocumentRequest, nil, "registrar-2")
	blk := AssembleBlock(1, [32]byte{9}, "authority-1", []*types.Transaction{a, b})

	assert.Equal(t, []string{a.ID, b.ID}, blk.TxIDs())
}
