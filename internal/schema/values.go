package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/promotarget/promo-bridge/internal/chain"
)

// Values is a decoded argument list or record, in declared field order.
type Values struct {
	names []string
	byKey map[string]any
}

func (v *Values) set(name string, value any) {
	if v.byKey == nil {
		v.byKey = make(map[string]any)
	}
	if _, ok := v.byKey[name]; !ok {
		v.names = append(v.names, name)
	}
	v.byKey[name] = value
}

// Names lists the fields in declared order.
func (v *Values) Names() []string { return append([]string(nil), v.names...) }

// Get returns the value under the declared name or its snake/camel alias.
func (v *Values) Get(name string) (any, bool) {
	return lookup(v.byKey, name)
}

// First returns the value of the first key present among candidates. It
// absorbs naming drift between schema revisions at the decode boundary.
func (v *Values) First(candidates ...string) (any, bool) {
	for _, c := range candidates {
		if val, ok := v.Get(c); ok {
			return val, true
		}
	}
	return nil, false
}

// Map returns a copy keyed by declared field name.
func (v *Values) Map() map[string]any {
	out := make(map[string]any, len(v.byKey))
	for k, val := range v.byKey {
		out[k] = val
	}
	return out
}

// Uint64 reads the first present candidate as an unsigned integer, or def.
func (v *Values) Uint64(def uint64, candidates ...string) uint64 {
	val, ok := v.First(candidates...)
	if !ok {
		return def
	}
	n, err := toUint(val, 64)
	if err != nil {
		return def
	}
	return n
}

// Int64 reads the first present candidate as a signed integer, or def.
func (v *Values) Int64(def int64, candidates ...string) int64 {
	val, ok := v.First(candidates...)
	if !ok {
		return def
	}
	n, err := toInt(val, 64)
	if err != nil {
		return def
	}
	return n
}

// Bool reads the first present candidate as a bool, or def.
func (v *Values) Bool(def bool, candidates ...string) bool {
	val, ok := v.First(candidates...)
	if !ok {
		return def
	}
	b, err := toBool(val)
	if err != nil {
		return def
	}
	return b
}

// String reads the first present candidate as a string, or def.
func (v *Values) String(def string, candidates ...string) string {
	val, ok := v.First(candidates...)
	if !ok {
		return def
	}
	s, ok := val.(string)
	if !ok {
		return def
	}
	return s
}

// PublicKey reads the first present candidate as an address, or the zero key.
func (v *Values) PublicKey(candidates ...string) chain.PublicKey {
	val, ok := v.First(candidates...)
	if !ok {
		return chain.PublicKey{}
	}
	pk, err := toPublicKey(val)
	if err != nil {
		return chain.PublicKey{}
	}
	return pk
}

// MarshalJSON writes the fields in declared order. 128-bit integers are
// written as decimal strings.
func (v *Values) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range v.names {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, _ := json.Marshal(name)
		buf.Write(key)
		buf.WriteByte(':')
		val := v.byKey[name]
		if b, ok := val.(*big.Int); ok {
			val = b.String()
		}
		enc, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		buf.Write(enc)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
