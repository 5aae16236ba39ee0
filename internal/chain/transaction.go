package chain

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
)

// AccountMeta is one account an instruction touches.
type AccountMeta struct {
	PublicKey  PublicKey
	IsSigner   bool
	IsWritable bool
}

// Meta is shorthand for building an AccountMeta.
func Meta(pk PublicKey, signer, writable bool) AccountMeta {
	return AccountMeta{PublicKey: pk, IsSigner: signer, IsWritable: writable}
}

// Instruction is a program call before it is compiled into a message.
type Instruction struct {
	ProgramID PublicKey
	Accounts  []AccountMeta
	Data      []byte
}

// MessageHeader counts the signer and read-only partitions of AccountKeys.
type MessageHeader struct {
	NumRequiredSignatures       uint8
	NumReadonlySignedAccounts   uint8
	NumReadonlyUnsignedAccounts uint8
}

// CompiledInstruction refers to accounts by index into the message keys.
type CompiledInstruction struct {
	ProgramIDIndex uint8
	Accounts       []uint8
	Data           []byte
}

// Message is the signed part of a legacy transaction.
type Message struct {
	Header          MessageHeader
	AccountKeys     []PublicKey
	RecentBlockhash Hash
	Instructions    []CompiledInstruction
}

// Transaction is a message plus one signature slot per required signer.
// Unfilled slots stay zero so partially signed envelopes can travel to the
// remaining signers.
type Transaction struct {
	Signatures []Signature
	Message    Message
}

type keyEntry struct {
	key      PublicKey
	signer   bool
	writable bool
}

// Assemble compiles instructions into an unsigned transaction paid for by
// feePayer. The blockhash must be fresh; a stale one is rejected on submit.
func Assemble(instructions []Instruction, feePayer PublicKey, recentBlockhash Hash) (*Transaction, error) {
	if len(instructions) == 0 {
		return nil, errors.New("assemble: no instructions")
	}
	if recentBlockhash.IsZero() {
		return nil, errors.New("assemble: recent blockhash is required")
	}

	var entries []keyEntry
	index := make(map[PublicKey]int)
	add := func(pk PublicKey, signer, writable bool) {
		if i, ok := index[pk]; ok {
			entries[i].signer = entries[i].signer || signer
			entries[i].writable = entries[i].writable || writable
			return
		}
		index[pk] = len(entries)
		entries = append(entries, keyEntry{key: pk, signer: signer, writable: writable})
	}

	add(feePayer, true, true)
	for _, ix := range instructions {
		for _, acc := range ix.Accounts {
			add(acc.PublicKey, acc.IsSigner, acc.IsWritable)
		}
		add(ix.ProgramID, false, false)
	}

	groups := [4][]keyEntry{}
	for _, e := range entries {
		switch {
		case e.signer && e.writable:
			groups[0] = append(groups[0], e)
		case e.signer:
			groups[1] = append(groups[1], e)
		case e.writable:
			groups[2] = append(groups[2], e)
		default:
			groups[3] = append(groups[3], e)
		}
	}
	ordered := make([]PublicKey, 0, len(entries))
	for _, g := range groups {
		for _, e := range g {
			ordered = append(ordered, e.key)
		}
	}
	if len(ordered) > 256 {
		return nil, fmt.Errorf("assemble: %d accounts exceed the 256 account limit", len(ordered))
	}
	position := make(map[PublicKey]uint8, len(ordered))
	for i, pk := range ordered {
		position[pk] = uint8(i)
	}

	compiled := make([]CompiledInstruction, 0, len(instructions))
	for _, ix := range instructions {
		accs := make([]uint8, 0, len(ix.Accounts))
		for _, acc := range ix.Accounts {
			accs = append(accs, position[acc.PublicKey])
		}
		compiled = append(compiled, CompiledInstruction{
			ProgramIDIndex: position[ix.ProgramID],
			Accounts:       accs,
			Data:           append([]byte(nil), ix.Data...),
		})
	}

	numSigners := len(groups[0]) + len(groups[1])
	msg := Message{
		Header: MessageHeader{
			NumRequiredSignatures:       uint8(numSigners),
			NumReadonlySignedAccounts:   uint8(len(groups[1])),
			NumReadonlyUnsignedAccounts: uint8(len(groups[3])),
		},
		AccountKeys:     ordered,
		RecentBlockhash: recentBlockhash,
		Instructions:    compiled,
	}
	return &Transaction{
		Signatures: make([]Signature, numSigners),
		Message:    msg,
	}, nil
}

// MarshalBinary serializes the message in wire order.
func (m Message) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(m.Header.NumRequiredSignatures)
	buf.WriteByte(m.Header.NumReadonlySignedAccounts)
	buf.WriteByte(m.Header.NumReadonlyUnsignedAccounts)

	if err := writeShortVec(&buf, len(m.AccountKeys)); err != nil {
		return nil, err
	}
	for _, pk := range m.AccountKeys {
		buf.Write(pk[:])
	}
	buf.Write(m.RecentBlockhash[:])

	if err := writeShortVec(&buf, len(m.Instructions)); err != nil {
		return nil, err
	}
	for _, ix := range m.Instructions {
		buf.WriteByte(ix.ProgramIDIndex)
		if err := writeShortVec(&buf, len(ix.Accounts)); err != nil {
			return nil, err
		}
		buf.Write(ix.Accounts)
		if err := writeShortVec(&buf, len(ix.Data)); err != nil {
			return nil, err
		}
		buf.Write(ix.Data)
	}
	return buf.Bytes(), nil
}

// Signers lists the keys that must sign, fee payer first.
func (m Message) Signers() []PublicKey {
	return append([]PublicKey(nil), m.AccountKeys[:m.Header.NumRequiredSignatures]...)
}

func (m Message) isWritable(i int) bool {
	required := int(m.Header.NumRequiredSignatures)
	if i < required {
		return i < required-int(m.Header.NumReadonlySignedAccounts)
	}
	return i < len(m.AccountKeys)-int(m.Header.NumReadonlyUnsignedAccounts)
}

// DecompileInstructions expands the compiled instructions back into account metas.
func (m Message) DecompileInstructions() ([]Instruction, error) {
	out := make([]Instruction, 0, len(m.Instructions))
	for n, ix := range m.Instructions {
		if int(ix.ProgramIDIndex) >= len(m.AccountKeys) {
			return nil, fmt.Errorf("instruction %d: program index %d out of range", n, ix.ProgramIDIndex)
		}
		metas := make([]AccountMeta, 0, len(ix.Accounts))
		for _, a := range ix.Accounts {
			if int(a) >= len(m.AccountKeys) {
				return nil, fmt.Errorf("instruction %d: account index %d out of range", n, a)
			}
			metas = append(metas, AccountMeta{
				PublicKey:  m.AccountKeys[a],
				IsSigner:   int(a) < int(m.Header.NumRequiredSignatures),
				IsWritable: m.isWritable(int(a)),
			})
		}
		out = append(out, Instruction{
			ProgramID: m.AccountKeys[ix.ProgramIDIndex],
			Accounts:  metas,
			Data:      append([]byte(nil), ix.Data...),
		})
	}
	return out, nil
}

// Sign fills the signature slot of every given keypair. Keys that are not
// required signers are an error.
func (t *Transaction) Sign(signers ...*Keypair) error {
	msg, err := t.Message.MarshalBinary()
	if err != nil {
		return err
	}
	required := t.Message.Signers()
	for _, kp := range signers {
		slot := -1
		for i, pk := range required {
			if pk == kp.PublicKey {
				slot = i
				break
			}
		}
		if slot < 0 {
			return fmt.Errorf("sign: %s is not a required signer", kp.PublicKey)
		}
		copy(t.Signatures[slot][:], ed25519.Sign(kp.PrivateKey, msg))
	}
	return nil
}

// IsFullySigned reports whether every signature slot is filled.
func (t *Transaction) IsFullySigned() bool {
	for _, s := range t.Signatures {
		if s.IsZero() {
			return false
		}
	}
	return true
}

// VerifySignatures checks every non-empty signature against the message.
func (t *Transaction) VerifySignatures() error {
	msg, err := t.Message.MarshalBinary()
	if err != nil {
		return err
	}
	signers := t.Message.Signers()
	for i, sig := range t.Signatures {
		if sig.IsZero() {
			continue
		}
		if !ed25519.Verify(ed25519.PublicKey(signers[i][:]), msg, sig[:]) {
			return fmt.Errorf("signature %d does not verify for %s", i, signers[i])
		}
	}
	return nil
}

// MarshalBinary serializes the transaction. Missing signatures are left as
// zero bytes, which is how an envelope goes out for client-side signing.
func (t *Transaction) MarshalBinary() ([]byte, error) {
	msg, err := t.Message.MarshalBinary()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeShortVec(&buf, len(t.Signatures)); err != nil {
		return nil, err
	}
	for _, s := range t.Signatures {
		buf.Write(s[:])
	}
	buf.Write(msg)
	return buf.Bytes(), nil
}

// SerializeBase64 is MarshalBinary in the encoding the RPC and wallets use.
func (t *Transaction) SerializeBase64() (string, error) {
	raw, err := t.MarshalBinary()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// ParseTransaction decodes a serialized legacy transaction.
func ParseTransaction(b []byte) (*Transaction, error) {
	r := &reader{buf: b}
	numSigs, err := r.shortVec()
	if err != nil {
		return nil, err
	}
	tx := &Transaction{Signatures: make([]Signature, numSigs)}
	for i := range tx.Signatures {
		raw, err := r.take(64)
		if err != nil {
			return nil, err
		}
		copy(tx.Signatures[i][:], raw)
	}

	head, err := r.take(3)
	if err != nil {
		return nil, err
	}
	tx.Message.Header = MessageHeader{
		NumRequiredSignatures:       head[0],
		NumReadonlySignedAccounts:   head[1],
		NumReadonlyUnsignedAccounts: head[2],
	}
	numKeys, err := r.shortVec()
	if err != nil {
		return nil, err
	}
	tx.Message.AccountKeys = make([]PublicKey, numKeys)
	for i := range tx.Message.AccountKeys {
		raw, err := r.take(PublicKeyLength)
		if err != nil {
			return nil, err
		}
		copy(tx.Message.AccountKeys[i][:], raw)
	}
	bh, err := r.take(PublicKeyLength)
	if err != nil {
		return nil, err
	}
	copy(tx.Message.RecentBlockhash[:], bh)

	numIx, err := r.shortVec()
	if err != nil {
		return nil, err
	}
	tx.Message.Instructions = make([]CompiledInstruction, numIx)
	for i := range tx.Message.Instructions {
		pidx, err := r.take(1)
		if err != nil {
			return nil, err
		}
		nAcc, err := r.shortVec()
		if err != nil {
			return nil, err
		}
		accs, err := r.take(nAcc)
		if err != nil {
			return nil, err
		}
		nData, err := r.shortVec()
		if err != nil {
			return nil, err
		}
		data, err := r.take(nData)
		if err != nil {
			return nil, err
		}
		tx.Message.Instructions[i] = CompiledInstruction{
			ProgramIDIndex: pidx[0],
			Accounts:       append([]uint8(nil), accs...),
			Data:           append([]byte(nil), data...),
		}
	}
	if int(tx.Message.Header.NumRequiredSignatures) != numSigs {
		return nil, fmt.Errorf("transaction has %d signatures for %d required signers", numSigs, tx.Message.Header.NumRequiredSignatures)
	}
	return tx, nil
}

// ParseTransactionBase64 decodes the base64 form returned to wallets.
func ParseTransactionBase64(s string) (*Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 transaction: %w", err)
	}
	return ParseTransaction(raw)
}

func writeShortVec(buf *bytes.Buffer, n int) error {
	prefix, err := encodeShortVecLength(n)
	if err != nil {
		return err
	}
	buf.Write(prefix)
	return nil
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) take(n int) ([]byte, error) {
	if n < 0 || r.off+n > len(r.buf) {
		return nil, fmt.Errorf("transaction truncated at offset %d", r.off)
	}
	out := r.buf[r.off : r.off+n]
	r.off += n
	return out, nil
}

func (r *reader) shortVec() (int, error) {
	n, size, err := decodeShortVecLength(r.buf[r.off:])
	if err != nil {
		return 0, err
	}
	r.off += size
	return n, nil
}
