// Package schema loads a program's published interface description (an Anchor
// IDL), resolves operations and record types by fuzzy name, and encodes and
// decodes their Borsh layouts.
package schema

import (
	"crypto/sha256"
	"fmt"
	"os"
	"strings"
	"unicode"

	"github.com/tidwall/gjson"

	"github.com/promotarget/promo-bridge/internal/chain"
)

// DiscriminatorSize is the length of the operation and record prefixes.
const DiscriminatorSize = 8

// Discriminator prefixes instruction data and record data.
type Discriminator [DiscriminatorSize]byte

// Kind is the shape of a Type.
type Kind int

const (
	KindBool Kind = iota
	KindU8
	KindI8
	KindU16
	KindI16
	KindU32
	KindI32
	KindU64
	KindI64
	KindU128
	KindI128
	KindString
	KindPublicKey
	KindBytes
	KindArray
	KindVec
	KindOption
	KindDefined
)

var primitiveKinds = map[string]Kind{
	"bool":      KindBool,
	"u8":        KindU8,
	"i8":        KindI8,
	"u16":       KindU16,
	"i16":       KindI16,
	"u32":       KindU32,
	"i32":       KindI32,
	"u64":       KindU64,
	"i64":       KindI64,
	"u128":      KindU128,
	"i128":      KindI128,
	"string":    KindString,
	"publicKey": KindPublicKey,
	"pubkey":    KindPublicKey,
	"bytes":     KindBytes,
}

// Type is a field or argument type.
type Type struct {
	Kind Kind
	// Elem is set for arrays, vecs and options.
	Elem *Type
	// Len is the fixed length of an array.
	Len int
	// Name is the referenced type for KindDefined.
	Name string
}

func (t Type) String() string {
	switch t.Kind {
	case KindArray:
		return fmt.Sprintf("[%s; %d]", t.Elem, t.Len)
	case KindVec:
		return fmt.Sprintf("Vec<%s>", t.Elem)
	case KindOption:
		return fmt.Sprintf("Option<%s>", t.Elem)
	case KindDefined:
		return t.Name
	}
	for name, k := range primitiveKinds {
		if k == t.Kind && name != "publicKey" {
			return name
		}
	}
	return "unknown"
}

// Field is a named, typed slot of an argument list or a struct.
type Field struct {
	Name string
	Type Type
}

// AccountItem is one account an operation expects, in order.
type AccountItem struct {
	Name     string
	Writable bool
	Signer   bool
	Optional bool
	// Address is set when the IDL pins the account, e.g. the system program.
	Address string
}

// Operation is a program instruction.
type Operation struct {
	Name          string
	Discriminator Discriminator
	Accounts      []AccountItem
	Args          []Field
}

// Record is a program account type.
type Record struct {
	Name          string
	Discriminator Discriminator
	Fields        []Field
}

// TypeDef is a user-defined struct or enum from the IDL types section.
type TypeDef struct {
	Name     string
	Fields   []Field
	Variants []string
	IsEnum   bool
}

// ProgramError is a custom error code the program may fail with.
type ProgramError struct {
	Code    int
	Name    string
	Message string
}

// Schema is the immutable, indexed form of an IDL.
type Schema struct {
	Name       string
	Version    string
	ProgramID  chain.PublicKey
	Operations []*Operation
	Records    []*Record

	types  map[string]*TypeDef
	errors map[int]ProgramError
}

// Load reads and parses an IDL file.
func Load(path string) (*Schema, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// first returns the first present key of r. Anchor renamed several IDL keys
// between generations and this keeps both readable.
func first(r gjson.Result, keys ...string) gjson.Result {
	for _, k := range keys {
		if v := r.Get(k); v.Exists() {
			return v
		}
	}
	return gjson.Result{}
}

// Parse builds a Schema from IDL JSON in either the legacy or the current layout.
func Parse(raw []byte) (*Schema, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("idl: invalid JSON")
	}
	doc := gjson.ParseBytes(raw)
	s := &Schema{
		Name:    first(doc, "metadata.name", "name").String(),
		Version: first(doc, "metadata.version", "version").String(),
		types:   make(map[string]*TypeDef),
		errors:  make(map[int]ProgramError),
	}
	if addr := first(doc, "address", "metadata.address").String(); addr != "" {
		pk, err := chain.ParsePublicKey(addr)
		if err != nil {
			return nil, fmt.Errorf("idl: program address: %w", err)
		}
		s.ProgramID = pk
	}

	var parseErr error
	doc.Get("types").ForEach(func(_, t gjson.Result) bool {
		def, err := parseTypeDef(t)
		if err != nil {
			parseErr = err
			return false
		}
		s.types[def.Name] = def
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}

	doc.Get("instructions").ForEach(func(_, ix gjson.Result) bool {
		op, err := parseOperation(ix)
		if err != nil {
			parseErr = err
			return false
		}
		s.Operations = append(s.Operations, op)
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}

	doc.Get("accounts").ForEach(func(_, acc gjson.Result) bool {
		rec, err := s.parseRecord(acc)
		if err != nil {
			parseErr = err
			return false
		}
		s.Records = append(s.Records, rec)
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}

	doc.Get("errors").ForEach(func(_, e gjson.Result) bool {
		code := int(e.Get("code").Int())
		s.errors[code] = ProgramError{Code: code, Name: e.Get("name").String(), Message: e.Get("msg").String()}
		return true
	})

	if len(s.Operations) == 0 {
		return nil, fmt.Errorf("idl: no instructions declared")
	}
	return s, nil
}

// TypeDef returns a user-defined type by name.
func (s *Schema) TypeDef(name string) (*TypeDef, bool) {
	t, ok := s.types[name]
	return t, ok
}

// ProgramError looks up a custom error code.
func (s *Schema) ProgramError(code int) (ProgramError, bool) {
	e, ok := s.errors[code]
	return e, ok
}

func parseOperation(ix gjson.Result) (*Operation, error) {
	name := ix.Get("name").String()
	if name == "" {
		return nil, fmt.Errorf("idl: instruction without a name")
	}
	op := &Operation{Name: name}
	disc, err := parseDiscriminator(ix.Get("discriminator"), "global:"+ToSnake(name))
	if err != nil {
		return nil, fmt.Errorf("idl: instruction %s: %w", name, err)
	}
	op.Discriminator = disc
	op.Accounts = flattenAccounts(ix.Get("accounts"), nil)
	op.Args, err = parseFields(ix.Get("args"))
	if err != nil {
		return nil, fmt.Errorf("idl: instruction %s: %w", name, err)
	}
	return op, nil
}

// flattenAccounts expands nested account groups into the flat order the
// program reads them in.
func flattenAccounts(list gjson.Result, out []AccountItem) []AccountItem {
	list.ForEach(func(_, a gjson.Result) bool {
		if nested := a.Get("accounts"); nested.IsArray() {
			out = flattenAccounts(nested, out)
			return true
		}
		out = append(out, AccountItem{
			Name:     a.Get("name").String(),
			Writable: first(a, "writable", "isMut").Bool(),
			Signer:   first(a, "signer", "isSigner").Bool(),
			Optional: first(a, "optional", "isOptional").Bool(),
			Address:  a.Get("address").String(),
		})
		return true
	})
	return out
}

func (s *Schema) parseRecord(acc gjson.Result) (*Record, error) {
	name := acc.Get("name").String()
	if name == "" {
		return nil, fmt.Errorf("idl: account without a name")
	}
	rec := &Record{Name: name}
	disc, err := parseDiscriminator(acc.Get("discriminator"), "account:"+name)
	if err != nil {
		return nil, fmt.Errorf("idl: account %s: %w", name, err)
	}
	rec.Discriminator = disc

	// Legacy IDLs inline the layout; current ones point at the types section.
	if fields := acc.Get("type.fields"); fields.Exists() {
		rec.Fields, err = parseFields(fields)
		if err != nil {
			return nil, fmt.Errorf("idl: account %s: %w", name, err)
		}
		return rec, nil
	}
	def, ok := s.types[name]
	if !ok {
		return nil, fmt.Errorf("idl: account %s has no layout", name)
	}
	rec.Fields = def.Fields
	return rec, nil
}

func parseTypeDef(t gjson.Result) (*TypeDef, error) {
	name := t.Get("name").String()
	def := &TypeDef{Name: name}
	switch kind := t.Get("type.kind").String(); kind {
	case "struct":
		fields, err := parseFields(t.Get("type.fields"))
		if err != nil {
			return nil, fmt.Errorf("idl: type %s: %w", name, err)
		}
		def.Fields = fields
	case "enum":
		def.IsEnum = true
		var bad bool
		t.Get("type.variants").ForEach(func(_, v gjson.Result) bool {
			if v.Get("fields").Exists() {
				bad = true
				return false
			}
			def.Variants = append(def.Variants, v.Get("name").String())
			return true
		})
		if bad {
			return nil, fmt.Errorf("idl: type %s: enum variants with fields are not supported", name)
		}
	default:
		return nil, fmt.Errorf("idl: type %s: unsupported kind %q", name, kind)
	}
	return def, nil
}

func parseFields(list gjson.Result) ([]Field, error) {
	var (
		fields []Field
		err    error
	)
	list.ForEach(func(_, f gjson.Result) bool {
		var typ Type
		typ, err = parseType(f.Get("type"))
		if err != nil {
			err = fmt.Errorf("field %s: %w", f.Get("name").String(), err)
			return false
		}
		fields = append(fields, Field{Name: f.Get("name").String(), Type: typ})
		return true
	})
	return fields, err
}

func parseType(t gjson.Result) (Type, error) {
	if t.Type == gjson.String {
		k, ok := primitiveKinds[t.String()]
		if !ok {
			return Type{}, fmt.Errorf("unknown type %q", t.String())
		}
		return Type{Kind: k}, nil
	}
	if !t.IsObject() {
		return Type{}, fmt.Errorf("malformed type %s", t.Raw)
	}
	if arr := t.Get("array"); arr.Exists() {
		parts := arr.Array()
		if len(parts) != 2 || parts[1].Type != gjson.Number {
			return Type{}, fmt.Errorf("malformed array type %s", arr.Raw)
		}
		elem, err := parseType(parts[0])
		if err != nil {
			return Type{}, err
		}
		return Type{Kind: KindArray, Elem: &elem, Len: int(parts[1].Int())}, nil
	}
	if v := t.Get("vec"); v.Exists() {
		elem, err := parseType(v)
		if err != nil {
			return Type{}, err
		}
		return Type{Kind: KindVec, Elem: &elem}, nil
	}
	if o := t.Get("option"); o.Exists() {
		elem, err := parseType(o)
		if err != nil {
			return Type{}, err
		}
		return Type{Kind: KindOption, Elem: &elem}, nil
	}
	if d := t.Get("defined"); d.Exists() {
		name := d.String()
		if d.IsObject() {
			name = d.Get("name").String()
		}
		return Type{Kind: KindDefined, Name: name}, nil
	}
	return Type{}, fmt.Errorf("unsupported type %s", t.Raw)
}

func parseDiscriminator(r gjson.Result, preimage string) (Discriminator, error) {
	var d Discriminator
	if !r.Exists() {
		sum := sha256.Sum256([]byte(preimage))
		copy(d[:], sum[:DiscriminatorSize])
		return d, nil
	}
	vals := r.Array()
	if len(vals) != DiscriminatorSize {
		return d, fmt.Errorf("discriminator must be %d bytes, got %d", DiscriminatorSize, len(vals))
	}
	for i, v := range vals {
		d[i] = byte(v.Uint())
	}
	return d, nil
}

// ToSnake converts camelCase or PascalCase to snake_case. Snake input is
// returned unchanged.
func ToSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 && s[i-1] != '_' {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ToCamel converts snake_case to camelCase.
func ToCamel(s string) string {
	parts := strings.Split(s, "_")
	var b strings.Builder
	for i, p := range parts {
		if p == "" {
			continue
		}
		if i == 0 || b.Len() == 0 {
			b.WriteString(p)
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]) + p[1:])
	}
	return b.String()
}

// fixedSize is the encoded size of t, or false when it varies with the value.
func (s *Schema) fixedSize(t Type) (int, bool) {
	switch t.Kind {
	case KindBool, KindU8, KindI8:
		return 1, true
	case KindU16, KindI16:
		return 2, true
	case KindU32, KindI32:
		return 4, true
	case KindU64, KindI64:
		return 8, true
	case KindU128, KindI128:
		return 16, true
	case KindPublicKey:
		return 32, true
	case KindArray:
		n, ok := s.fixedSize(*t.Elem)
		return n * t.Len, ok
	case KindDefined:
		def, ok := s.types[t.Name]
		if !ok {
			return 0, false
		}
		if def.IsEnum {
			return 1, true
		}
		total := 0
		for _, f := range def.Fields {
			n, ok := s.fixedSize(f.Type)
			if !ok {
				return 0, false
			}
			total += n
		}
		return total, true
	}
	return 0, false
}

// FieldOffset returns the byte offset of a record field within the record
// data, discriminator included. It fails when a variable-size field comes
// first, since the offset then differs per record.
func (s *Schema) FieldOffset(rec *Record, name string) (int, error) {
	off := DiscriminatorSize
	for _, f := range rec.Fields {
		if normalize(f.Name) == normalize(name) {
			return off, nil
		}
		n, ok := s.fixedSize(f.Type)
		if !ok {
			return 0, fmt.Errorf("field %s of %s follows variable-size field %s", name, rec.Name, f.Name)
		}
		off += n
	}
	return 0, fmt.Errorf("record %s has no field %s", rec.Name, name)
}
