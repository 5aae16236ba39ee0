package chain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKey(t *testing.T) *Keypair {
	t.Helper()
	kp, err := NewKeypair()
	require.NoError(t, err)
	return kp
}

func TestShortVecLength(t *testing.T) {
	tests := []struct {
		n    int
		want []byte
	}{
		{0, []byte{0x00}},
		{1, []byte{0x01}},
		{127, []byte{0x7f}},
		{128, []byte{0x80, 0x01}},
		{255, []byte{0xff, 0x01}},
		{16383, []byte{0xff, 0x7f}},
		{16384, []byte{0x80, 0x80, 0x01}},
		{65535, []byte{0xff, 0xff, 0x03}},
	}
	for _, tt := range tests {
		got, err := encodeShortVecLength(tt.n)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "encode %d", tt.n)

		n, size, err := decodeShortVecLength(got)
		require.NoError(t, err)
		assert.Equal(t, tt.n, n)
		assert.Equal(t, len(tt.want), size)
	}

	_, err := encodeShortVecLength(65536)
	assert.Error(t, err)
	_, _, err = decodeShortVecLength([]byte{0x80})
	assert.Error(t, err)
}

func TestAssembleRequiresInstructionsAndBlockhash(t *testing.T) {
	payer := newKey(t).PublicKey
	blockhash := newKey(t).PublicKey

	_, err := Assemble(nil, payer, blockhash)
	assert.Error(t, err)

	ix := TransferInstruction(payer, newKey(t).PublicKey, 1)
	_, err = Assemble([]Instruction{ix}, payer, Hash{})
	assert.Error(t, err)
}

func TestAssembleOrdersAccounts(t *testing.T) {
	payer := newKey(t).PublicKey
	signerRO := newKey(t).PublicKey
	writable := newKey(t).PublicKey
	readonly := newKey(t).PublicKey
	program := newKey(t).PublicKey
	blockhash := newKey(t).PublicKey

	ix := Instruction{
		ProgramID: program,
		Accounts: []AccountMeta{
			Meta(readonly, false, false),
			Meta(writable, false, true),
			Meta(signerRO, true, false),
			Meta(payer, false, false),
		},
		Data: []byte{1, 2, 3},
	}
	tx, err := Assemble([]Instruction{ix}, payer, blockhash)
	require.NoError(t, err)

	msg := tx.Message
	assert.Equal(t, []PublicKey{payer, signerRO, writable, readonly, program}, msg.AccountKeys)
	assert.Equal(t, MessageHeader{NumRequiredSignatures: 2, NumReadonlySignedAccounts: 1, NumReadonlyUnsignedAccounts: 2}, msg.Header)
	assert.Len(t, tx.Signatures, 2)
	require.Len(t, msg.Instructions, 1)
	assert.Equal(t, uint8(4), msg.Instructions[0].ProgramIDIndex)
	assert.Equal(t, []uint8{3, 2, 1, 0}, msg.Instructions[0].Accounts)
}

func TestTransferCarriesReferenceAsReadonlyKey(t *testing.T) {
	payer := newKey(t).PublicKey
	recipient := newKey(t).PublicKey
	reference := newKey(t).PublicKey

	ix := TransferInstruction(payer, recipient, 1_500_000, reference)
	require.Len(t, ix.Accounts, 3)
	assert.Equal(t, Meta(reference, false, false), ix.Accounts[2])

	lamports, ok := DecodeTransfer(ix)
	require.True(t, ok)
	assert.Equal(t, uint64(1_500_000), lamports)
}

func TestTransactionWireRoundTrip(t *testing.T) {
	payer := newKey(t)
	recipient := newKey(t).PublicKey
	reference := newKey(t).PublicKey
	blockhash := newKey(t).PublicKey

	tx, err := Assemble([]Instruction{TransferInstruction(payer.PublicKey, recipient, 42, reference)}, payer.PublicKey, blockhash)
	require.NoError(t, err)
	assert.False(t, tx.IsFullySigned())

	encoded, err := tx.SerializeBase64()
	require.NoError(t, err)
	parsed, err := ParseTransactionBase64(encoded)
	require.NoError(t, err)
	assert.Equal(t, tx.Message.AccountKeys, parsed.Message.AccountKeys)
	assert.Equal(t, blockhash, parsed.Message.RecentBlockhash)

	ixs, err := parsed.Message.DecompileInstructions()
	require.NoError(t, err)
	require.Len(t, ixs, 1)
	assert.Equal(t, SystemProgramID, ixs[0].ProgramID)
	assert.Equal(t, Meta(reference, false, false), ixs[0].Accounts[2])
	lamports, ok := DecodeTransfer(ixs[0])
	require.True(t, ok)
	assert.Equal(t, uint64(42), lamports)
}

func TestSignAndVerify(t *testing.T) {
	payer := newKey(t)
	other := newKey(t)
	blockhash := newKey(t).PublicKey

	tx, err := Assemble([]Instruction{TransferInstruction(payer.PublicKey, other.PublicKey, 1)}, payer.PublicKey, blockhash)
	require.NoError(t, err)

	assert.Error(t, tx.Sign(other))
	require.NoError(t, tx.Sign(payer))
	assert.True(t, tx.IsFullySigned())
	assert.NoError(t, tx.VerifySignatures())

	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	parsed, err := ParseTransaction(raw)
	require.NoError(t, err)
	assert.NoError(t, parsed.VerifySignatures())

	tx.Signatures[0][0] ^= 0xff
	assert.Error(t, tx.VerifySignatures())
}

func TestParseTransactionRejectsTruncatedInput(t *testing.T) {
	payer := newKey(t)
	tx, err := Assemble([]Instruction{TransferInstruction(payer.PublicKey, newKey(t).PublicKey, 1)}, payer.PublicKey, newKey(t).PublicKey)
	require.NoError(t, err)
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)

	_, err = ParseTransaction(raw[:len(raw)-3])
	assert.Error(t, err)
}
