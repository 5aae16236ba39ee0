package schema

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/promotarget/promo-bridge/internal/domain"
)

func normalize(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "_", "")
	return strings.ReplaceAll(s, "-", "")
}

// matches reports whether every fragment appears in name, ignoring case and
// separators.
func matches(name string, fragments []string) bool {
	n := normalize(name)
	for _, f := range fragments {
		if !strings.Contains(n, normalize(f)) {
			return false
		}
	}
	return true
}

// pick returns the index of the best match: the shortest matching name,
// earliest declared on ties.
func pick(names []string, fragments []string) int {
	if len(fragments) == 0 {
		return -1
	}
	best := -1
	for i, name := range names {
		if !matches(name, fragments) {
			continue
		}
		if best < 0 || len(normalize(name)) < len(normalize(names[best])) {
			best = i
		}
	}
	return best
}

// ResolveOperation finds the operation whose name contains every fragment.
func (s *Schema) ResolveOperation(fragments ...string) (*Operation, bool) {
	names := make([]string, len(s.Operations))
	for i, op := range s.Operations {
		names[i] = op.Name
	}
	if i := pick(names, fragments); i >= 0 {
		return s.Operations[i], true
	}
	return nil, false
}

// ResolveRecord finds the record type whose name contains every fragment.
func (s *Schema) ResolveRecord(fragments ...string) (*Record, bool) {
	names := make([]string, len(s.Records))
	for i, r := range s.Records {
		names[i] = r.Name
	}
	if i := pick(names, fragments); i >= 0 {
		return s.Records[i], true
	}
	return nil, false
}

// IdentifyRecord returns the record type whose discriminator prefixes data.
func (s *Schema) IdentifyRecord(data []byte) (*Record, bool) {
	if len(data) < DiscriminatorSize {
		return nil, false
	}
	for _, r := range s.Records {
		if string(r.Discriminator[:]) == string(data[:DiscriminatorSize]) {
			return r, true
		}
	}
	return nil, false
}

// MustOperation resolves an operation or returns a configuration error naming
// the fragments, for callers that cannot continue without it.
func (s *Schema) MustOperation(fragments ...string) (*Operation, error) {
	op, ok := s.ResolveOperation(fragments...)
	if !ok {
		return nil, domain.Unavailable("SCHEMA_OPERATION_MISSING",
			"schema declares no operation matching %q", strings.Join(fragments, " "))
	}
	return op, nil
}

// MustRecord is MustOperation for record types.
func (s *Schema) MustRecord(fragments ...string) (*Record, error) {
	rec, ok := s.ResolveRecord(fragments...)
	if !ok {
		return nil, domain.Unavailable("SCHEMA_RECORD_MISSING",
			"schema declares no record type matching %q", strings.Join(fragments, " "))
	}
	return rec, nil
}

// Provider holds the schema loaded at startup, or the reason it is missing.
// A missing schema does not stop the process; callers get a configuration
// error instead.
type Provider struct {
	path   string
	logger *zap.Logger
	schema *Schema
	err    error
}

// NewProvider loads the IDL at path once.
func NewProvider(path string, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Provider{path: path, logger: logger}
	p.schema, p.err = Load(path)
	if p.err != nil {
		logger.Error("interface schema unavailable, ledger endpoints will fail",
			zap.String("path", path), zap.Error(p.err))
	} else {
		logger.Info("interface schema loaded",
			zap.String("path", path),
			zap.String("program", p.schema.Name),
			zap.Int("operations", len(p.schema.Operations)),
			zap.Int("records", len(p.schema.Records)),
		)
	}
	return p
}

// StaticProvider wraps an already parsed schema.
func StaticProvider(s *Schema) *Provider {
	return &Provider{path: "(static)", logger: zap.NewNop(), schema: s}
}

// Schema returns the loaded schema or a configuration error naming the path.
func (p *Provider) Schema() (*Schema, error) {
	if p.schema == nil {
		return nil, domain.Unavailable("SCHEMA_UNAVAILABLE", "schema unavailable: %s", p.path).
			WithDetail("cause", fmt.Sprint(p.err))
	}
	return p.schema, nil
}

// Path is where the schema was loaded from.
func (p *Provider) Path() string { return p.path }
