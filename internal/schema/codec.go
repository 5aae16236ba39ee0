package schema

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/promotarget/promo-bridge/internal/chain"
	"github.com/promotarget/promo-bridge/internal/domain"
)

// MissingArgumentError names an argument the caller's map has no value for,
// together with the keys it did provide.
type MissingArgumentError struct {
	Operation string
	Argument  string
	Available []string
}

func (e *MissingArgumentError) Error() string {
	return fmt.Sprintf("no value mapped for argument %q of %s (available keys: %s)",
		e.Argument, e.Operation, strings.Join(e.Available, ", "))
}

// Is makes a missing argument a validation failure.
func (e *MissingArgumentError) Is(target error) bool { return target == domain.ErrValidation }

// ArgumentError is a value that cannot be encoded as its declared type.
type ArgumentError struct {
	Path string
	Err  error
}

func (e *ArgumentError) Error() string { return fmt.Sprintf("argument %s: %v", e.Path, e.Err) }

func (e *ArgumentError) Unwrap() error { return e.Err }

func (e *ArgumentError) Is(target error) bool { return target == domain.ErrValidation }

// lookup finds a value under the declared name or its snake/camel alias.
func lookup(values map[string]any, name string) (any, bool) {
	for _, key := range []string{name, ToSnake(name), ToCamel(name)} {
		if v, ok := values[key]; ok {
			return v, true
		}
	}
	return nil, false
}

func sortedKeys(values map[string]any) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// EncodeInstruction serializes the discriminator and args of op in declared order.
func (s *Schema) EncodeInstruction(op *Operation, args map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(op.Discriminator[:])
	for _, f := range op.Args {
		v, ok := lookup(args, f.Name)
		if !ok {
			return nil, &MissingArgumentError{Operation: op.Name, Argument: f.Name, Available: sortedKeys(args)}
		}
		if err := s.encodeValue(&buf, f.Type, v, f.Name); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// EncodeRecord serializes a record with its discriminator. Used to build
// fixtures and by tests; records are never written by this service.
func (s *Schema) EncodeRecord(rec *Record, fields map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(rec.Discriminator[:])
	for _, f := range rec.Fields {
		v, ok := lookup(fields, f.Name)
		if !ok {
			return nil, &MissingArgumentError{Operation: rec.Name, Argument: f.Name, Available: sortedKeys(fields)}
		}
		if err := s.encodeValue(&buf, f.Type, v, f.Name); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func (s *Schema) encodeValue(buf *bytes.Buffer, t Type, v any, path string) error {
	fail := func(err error) error { return &ArgumentError{Path: path, Err: err} }
	switch t.Kind {
	case KindBool:
		b, err := toBool(v)
		if err != nil {
			return fail(err)
		}
		if b {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case KindU8, KindU16, KindU32, KindU64:
		n, err := toUint(v, uintBits(t.Kind))
		if err != nil {
			return fail(err)
		}
		writeUint(buf, n, uintBits(t.Kind))
	case KindI8, KindI16, KindI32, KindI64:
		bits := intBits(t.Kind)
		n, err := toInt(v, bits)
		if err != nil {
			return fail(err)
		}
		writeUint(buf, uint64(n), bits)
	case KindU128, KindI128:
		n, err := toBig(v)
		if err != nil {
			return fail(err)
		}
		b, err := encode128(n, t.Kind == KindI128)
		if err != nil {
			return fail(err)
		}
		buf.Write(b)
	case KindString:
		str, ok := v.(string)
		if !ok {
			return fail(fmt.Errorf("expected string, got %T", v))
		}
		writeUint(buf, uint64(len(str)), 32)
		buf.WriteString(str)
	case KindPublicKey:
		pk, err := toPublicKey(v)
		if err != nil {
			return fail(err)
		}
		buf.Write(pk[:])
	case KindBytes:
		b, ok := v.([]byte)
		if !ok {
			return fail(fmt.Errorf("expected bytes, got %T", v))
		}
		writeUint(buf, uint64(len(b)), 32)
		buf.Write(b)
	case KindArray, KindVec:
		items, err := toSlice(v)
		if err != nil {
			return fail(err)
		}
		if t.Kind == KindArray {
			if len(items) != t.Len {
				return fail(fmt.Errorf("expected %d elements, got %d", t.Len, len(items)))
			}
		} else {
			writeUint(buf, uint64(len(items)), 32)
		}
		for i, item := range items {
			if err := s.encodeValue(buf, *t.Elem, item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	case KindOption:
		if isNil(v) {
			buf.WriteByte(0)
			return nil
		}
		buf.WriteByte(1)
		return s.encodeValue(buf, *t.Elem, v, path)
	case KindDefined:
		def, ok := s.types[t.Name]
		if !ok {
			return fail(fmt.Errorf("undefined type %s", t.Name))
		}
		if def.IsEnum {
			idx, err := enumIndex(def, v)
			if err != nil {
				return fail(err)
			}
			buf.WriteByte(byte(idx))
			return nil
		}
		fields, ok := v.(map[string]any)
		if !ok {
			return fail(fmt.Errorf("expected object for %s, got %T", t.Name, v))
		}
		for _, f := range def.Fields {
			fv, ok := lookup(fields, f.Name)
			if !ok {
				return &MissingArgumentError{Operation: t.Name, Argument: path + "." + f.Name, Available: sortedKeys(fields)}
			}
			if err := s.encodeValue(buf, f.Type, fv, path+"."+f.Name); err != nil {
				return err
			}
		}
	default:
		return fail(fmt.Errorf("unsupported type %s", t))
	}
	return nil
}

func uintBits(k Kind) int {
	switch k {
	case KindU8:
		return 8
	case KindU16:
		return 16
	case KindU32:
		return 32
	}
	return 64
}

func intBits(k Kind) int {
	switch k {
	case KindI8:
		return 8
	case KindI16:
		return 16
	case KindI32:
		return 32
	}
	return 64
}

func writeUint(buf *bytes.Buffer, n uint64, bits int) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], n)
	buf.Write(tmp[:bits/8])
}

func toBool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		return strconv.ParseBool(b)
	}
	return false, fmt.Errorf("expected bool, got %T", v)
}

var errNotNumber = errors.New("not a number")

// toBig widens any supported numeric form to a big.Int. Fractional values
// are rejected rather than truncated.
func toBig(v any) (*big.Int, error) {
	switch n := v.(type) {
	case int:
		return big.NewInt(int64(n)), nil
	case int8:
		return big.NewInt(int64(n)), nil
	case int16:
		return big.NewInt(int64(n)), nil
	case int32:
		return big.NewInt(int64(n)), nil
	case int64:
		return big.NewInt(n), nil
	case uint:
		return new(big.Int).SetUint64(uint64(n)), nil
	case uint8:
		return new(big.Int).SetUint64(uint64(n)), nil
	case uint16:
		return new(big.Int).SetUint64(uint64(n)), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(n)), nil
	case uint64:
		return new(big.Int).SetUint64(n), nil
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || math.IsNaN(n) {
			return nil, fmt.Errorf("%v is not an integer", n)
		}
		b, _ := big.NewFloat(n).Int(nil)
		return b, nil
	case json.Number:
		return parseBigString(n.String())
	case string:
		return parseBigString(n)
	case *big.Int:
		if n == nil {
			return nil, errNotNumber
		}
		return new(big.Int).Set(n), nil
	}
	return nil, fmt.Errorf("expected integer, got %T", v)
}

func parseBigString(s string) (*big.Int, error) {
	b, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("%q is not an integer", s)
	}
	return b, nil
}

func toUint(v any, bits int) (uint64, error) {
	b, err := toBig(v)
	if err != nil {
		return 0, err
	}
	limit := new(big.Int).Lsh(big.NewInt(1), uint(bits))
	if b.Sign() < 0 || b.Cmp(limit) >= 0 {
		return 0, fmt.Errorf("%s does not fit in u%d", b, bits)
	}
	return b.Uint64(), nil
}

func toInt(v any, bits int) (int64, error) {
	b, err := toBig(v)
	if err != nil {
		return 0, err
	}
	max := new(big.Int).Lsh(big.NewInt(1), uint(bits-1))
	min := new(big.Int).Neg(max)
	if b.Cmp(min) < 0 || b.Cmp(max) >= 0 {
		return 0, fmt.Errorf("%s does not fit in i%d", b, bits)
	}
	return b.Int64(), nil
}

var two128 = new(big.Int).Lsh(big.NewInt(1), 128)

func encode128(n *big.Int, signed bool) ([]byte, error) {
	v := new(big.Int).Set(n)
	if signed {
		half := new(big.Int).Rsh(two128, 1)
		if v.Cmp(new(big.Int).Neg(half)) < 0 || v.Cmp(half) >= 0 {
			return nil, fmt.Errorf("%s does not fit in i128", n)
		}
		if v.Sign() < 0 {
			v.Add(v, two128)
		}
	} else if v.Sign() < 0 || v.Cmp(two128) >= 0 {
		return nil, fmt.Errorf("%s does not fit in u128", n)
	}
	be := v.FillBytes(make([]byte, 16))
	le := make([]byte, 16)
	for i := range be {
		le[i] = be[15-i]
	}
	return le, nil
}

func toPublicKey(v any) (chain.PublicKey, error) {
	switch pk := v.(type) {
	case chain.PublicKey:
		return pk, nil
	case *chain.PublicKey:
		if pk == nil {
			return chain.PublicKey{}, errors.New("nil public key")
		}
		return *pk, nil
	case string:
		return chain.ParsePublicKey(pk)
	case []byte:
		return chain.PublicKeyFromBytes(pk)
	}
	return chain.PublicKey{}, fmt.Errorf("expected public key, got %T", v)
}

func toSlice(v any) ([]any, error) {
	if items, ok := v.([]any); ok {
		return items, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("expected list, got %T", v)
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

func enumIndex(def *TypeDef, v any) (int, error) {
	if name, ok := v.(string); ok {
		for i, variant := range def.Variants {
			if normalize(variant) == normalize(name) {
				return i, nil
			}
		}
		return 0, fmt.Errorf("%q is not a variant of %s", name, def.Name)
	}
	n, err := toUint(v, 8)
	if err != nil {
		return 0, err
	}
	if int(n) >= len(def.Variants) {
		return 0, fmt.Errorf("variant index %d out of range for %s", n, def.Name)
	}
	return int(n), nil
}

// DecodeInstruction parses instruction data produced for op.
func (s *Schema) DecodeInstruction(op *Operation, data []byte) (*Values, error) {
	if len(data) < DiscriminatorSize || !bytes.Equal(data[:DiscriminatorSize], op.Discriminator[:]) {
		return nil, fmt.Errorf("data is not a %s instruction", op.Name)
	}
	d := &decoder{schema: s, buf: data[DiscriminatorSize:]}
	return d.fields(op.Fields())
}

// DecodeRecord parses record data of type rec. Trailing bytes are allowed
// since records are allocated with room for their largest size.
func (s *Schema) DecodeRecord(rec *Record, data []byte) (*Values, error) {
	if len(data) < DiscriminatorSize || !bytes.Equal(data[:DiscriminatorSize], rec.Discriminator[:]) {
		return nil, fmt.Errorf("data is not a %s record", rec.Name)
	}
	d := &decoder{schema: s, buf: data[DiscriminatorSize:]}
	return d.fields(rec.Fields)
}

// Fields returns the argument list.
func (op *Operation) Fields() []Field { return op.Args }

type decoder struct {
	schema *Schema
	buf    []byte
	off    int
}

func (d *decoder) take(n int) ([]byte, error) {
	if n < 0 || d.off+n > len(d.buf) {
		return nil, fmt.Errorf("unexpected end of data at offset %d", d.off)
	}
	out := d.buf[d.off : d.off+n]
	d.off += n
	return out, nil
}

func (d *decoder) uint(bits int) (uint64, error) {
	b, err := d.take(bits / 8)
	if err != nil {
		return 0, err
	}
	var tmp [8]byte
	copy(tmp[:], b)
	return binary.LittleEndian.Uint64(tmp[:]), nil
}

func (d *decoder) fields(fields []Field) (*Values, error) {
	out := &Values{}
	for _, f := range fields {
		v, err := d.value(f.Type)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		out.set(f.Name, v)
	}
	return out, nil
}

func (d *decoder) value(t Type) (any, error) {
	switch t.Kind {
	case KindBool:
		b, err := d.take(1)
		if err != nil {
			return nil, err
		}
		if b[0] > 1 {
			return nil, fmt.Errorf("invalid bool byte %d", b[0])
		}
		return b[0] == 1, nil
	case KindU8:
		n, err := d.uint(8)
		return uint8(n), err
	case KindU16:
		n, err := d.uint(16)
		return uint16(n), err
	case KindU32:
		n, err := d.uint(32)
		return uint32(n), err
	case KindU64:
		return d.uint(64)
	case KindI8:
		n, err := d.uint(8)
		return int8(n), err
	case KindI16:
		n, err := d.uint(16)
		return int16(n), err
	case KindI32:
		n, err := d.uint(32)
		return int32(n), err
	case KindI64:
		n, err := d.uint(64)
		return int64(n), err
	case KindU128, KindI128:
		b, err := d.take(16)
		if err != nil {
			return nil, err
		}
		be := make([]byte, 16)
		for i := range b {
			be[i] = b[15-i]
		}
		n := new(big.Int).SetBytes(be)
		if t.Kind == KindI128 && be[0]&0x80 != 0 {
			n.Sub(n, two128)
		}
		return n, nil
	case KindString, KindBytes:
		n, err := d.uint(32)
		if err != nil {
			return nil, err
		}
		b, err := d.take(int(n))
		if err != nil {
			return nil, err
		}
		if t.Kind == KindString {
			return string(b), nil
		}
		return append([]byte(nil), b...), nil
	case KindPublicKey:
		b, err := d.take(chain.PublicKeyLength)
		if err != nil {
			return nil, err
		}
		var pk chain.PublicKey
		copy(pk[:], b)
		return pk, nil
	case KindArray, KindVec:
		n := t.Len
		if t.Kind == KindVec {
			l, err := d.uint(32)
			if err != nil {
				return nil, err
			}
			n = int(l)
		}
		if n > len(d.buf)-d.off {
			return nil, fmt.Errorf("length %d exceeds remaining data", n)
		}
		items := make([]any, 0, n)
		for i := 0; i < n; i++ {
			v, err := d.value(*t.Elem)
			if err != nil {
				return nil, err
			}
			items = append(items, v)
		}
		return items, nil
	case KindOption:
		tag, err := d.take(1)
		if err != nil {
			return nil, err
		}
		switch tag[0] {
		case 0:
			return nil, nil
		case 1:
			return d.value(*t.Elem)
		}
		return nil, fmt.Errorf("invalid option tag %d", tag[0])
	case KindDefined:
		def, ok := d.schema.types[t.Name]
		if !ok {
			return nil, fmt.Errorf("undefined type %s", t.Name)
		}
		if def.IsEnum {
			idx, err := d.take(1)
			if err != nil {
				return nil, err
			}
			if int(idx[0]) >= len(def.Variants) {
				return nil, fmt.Errorf("variant index %d out of range for %s", idx[0], def.Name)
			}
			return def.Variants[idx[0]], nil
		}
		return d.fields(def.Fields)
	}
	return nil, fmt.Errorf("unsupported type %s", t)
}
