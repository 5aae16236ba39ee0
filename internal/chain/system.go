package chain

import "encoding/binary"

const systemTransferIndex = 2

// TransferInstruction moves lamports from one wallet to another through the
// system program. Extra keys are appended read-only and unsigned; the program
// ignores them but they make the transaction discoverable by those keys.
func TransferInstruction(from, to PublicKey, lamports uint64, references ...PublicKey) Instruction {
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data[0:4], systemTransferIndex)
	binary.LittleEndian.PutUint64(data[4:12], lamports)

	accounts := []AccountMeta{
		Meta(from, true, true),
		Meta(to, false, true),
	}
	for _, ref := range references {
		accounts = append(accounts, Meta(ref, false, false))
	}
	return Instruction{ProgramID: SystemProgramID, Accounts: accounts, Data: data}
}

// DecodeTransfer reports the lamports of a system transfer instruction.
func DecodeTransfer(ix Instruction) (uint64, bool) {
	if ix.ProgramID != SystemProgramID || len(ix.Data) != 12 {
		return 0, false
	}
	if binary.LittleEndian.Uint32(ix.Data[0:4]) != systemTransferIndex {
		return 0, false
	}
	return binary.LittleEndian.Uint64(ix.Data[4:12]), true
}
