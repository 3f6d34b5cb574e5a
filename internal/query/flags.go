// Package query parses the xRegistry query flags and applies server-side
// filter, sort, and pagination against a stream of catalog candidates with a
// bounded metadata-fetch budget.
package query

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/vitaliisemenov/xregistry-bridge/internal/xregistry"
)

// Op is a filter comparison operator.
type Op int

const (
	OpEq Op = iota
	OpNe
)

// Filter is one parsed filter clause. Multiple clauses AND-combine.
type Filter struct {
	Attr  string
	Op    Op
	Value string
}

// Sort is the parsed sort flag.
type Sort struct {
	Attr       string
	Descending bool
}

// DefaultLimit is the page size applied when the client sends no limit.
const DefaultLimit = 50

// Flags is the full parsed query-flag set for one request.
type Flags struct {
	Filters []Filter
	Sort    *Sort

	Inline    []string
	InlineAll bool

	Limit  int
	Offset int

	Doc                    bool
	Epoch                  bool
	NoEpoch                bool
	NoReadonly             bool
	NoDefaultVersionID     bool
	NoDefaultVersionSticky bool
	Collections            bool
	Schema                 string
	SpecVersion            string
}

// recognised is the exhaustive flag vocabulary. Anything else is a
// capability error.
var recognised = map[string]bool{
	"inline":                 true,
	"filter":                 true,
	"sort":                   true,
	"limit":                  true,
	"offset":                 true,
	"doc":                    true,
	"epoch":                  true,
	"noepoch":                true,
	"noreadonly":             true,
	"specversion":            true,
	"nodefaultversionid":     true,
	"nodefaultversionsticky": true,
	"schema":                 true,
	"collections":            true,
}

// Parse validates and decodes the request query. Unknown flags yield
// capability_error; malformed values yield invalid_data.
func Parse(values url.Values) (*Flags, error) {
	f := &Flags{Limit: DefaultLimit}

	for key, vals := range values {
		if !recognised[key] {
			return nil, xregistry.Problemf(xregistry.CodeCapabilityError, "unknown query flag %q", key)
		}

		switch key {
		case "filter":
			for _, raw := range vals {
				clause, err := parseFilter(raw)
				if err != nil {
					return nil, err
				}
				f.Filters = append(f.Filters, clause)
			}
		case "sort":
			s, err := parseSort(vals[0])
			if err != nil {
				return nil, err
			}
			f.Sort = s
		case "inline":
			for _, part := range strings.Split(vals[0], ",") {
				part = strings.TrimSpace(part)
				if part == "" {
					continue
				}
				if part == "*" {
					f.InlineAll = true
					continue
				}
				f.Inline = append(f.Inline, part)
			}
		case "limit":
			n, err := strconv.Atoi(vals[0])
			if err != nil || n < 1 {
				return nil, xregistry.Problemf(xregistry.CodeInvalidData, "limit must be an integer >= 1, got %q", vals[0])
			}
			f.Limit = n
		case "offset":
			n, err := strconv.Atoi(vals[0])
			if err != nil || n < 0 {
				return nil, xregistry.Problemf(xregistry.CodeInvalidData, "offset must be an integer >= 0, got %q", vals[0])
			}
			f.Offset = n
		case "doc":
			f.Doc = true
		case "epoch":
			f.Epoch = true
		case "noepoch":
			f.NoEpoch = true
		case "noreadonly":
			f.NoReadonly = true
		case "nodefaultversionid":
			f.NoDefaultVersionID = true
		case "nodefaultversionsticky":
			f.NoDefaultVersionSticky = true
		case "collections":
			f.Collections = true
		case "schema":
			f.Schema = vals[0]
		case "specversion":
			if vals[0] != "" && vals[0] != xregistry.SpecVersion {
				return nil, xregistry.Problemf(xregistry.CodeInvalidData,
					"unsupported specversion %q, this registry speaks %s", vals[0], xregistry.SpecVersion)
			}
			f.SpecVersion = vals[0]
		}
	}

	return f, nil
}

// parseFilter decodes one filter clause. The grammar is attr=value and
// attr!=value with * wildcards inside value. Richer operators, including a
// bare attribute name (presence test), are rejected as capability errors.
func parseFilter(raw string) (Filter, error) {
	if i := strings.Index(raw, "!="); i > 0 {
		return Filter{Attr: raw[:i], Op: OpNe, Value: raw[i+2:]}, nil
	}
	for _, op := range []string{">=", "<=", ">", "<"} {
		if strings.Contains(raw, op) {
			return Filter{}, xregistry.Problemf(xregistry.CodeCapabilityError,
				"filter operator %q is not supported", op)
		}
	}
	if i := strings.Index(raw, "="); i > 0 {
		return Filter{Attr: raw[:i], Op: OpEq, Value: raw[i+1:]}, nil
	}
	if raw != "" && !strings.Contains(raw, "=") {
		return Filter{}, xregistry.Problemf(xregistry.CodeCapabilityError,
			"attribute presence filter %q is not supported", raw)
	}
	return Filter{}, xregistry.Problemf(xregistry.CodeInvalidData, "malformed filter clause %q", raw)
}

func parseSort(raw string) (*Sort, error) {
	attr, dir, found := strings.Cut(raw, "=")
	if attr == "" {
		return nil, xregistry.Problemf(xregistry.CodeInvalidData, "malformed sort flag %q", raw)
	}
	s := &Sort{Attr: attr}
	if found {
		switch dir {
		case "asc", "":
		case "desc":
			s.Descending = true
		default:
			return nil, xregistry.Problemf(xregistry.CodeInvalidData, "sort direction must be asc or desc, got %q", dir)
		}
	}
	return s, nil
}

// CacheKey returns the normalised filter tuple used as the candidate-cache
// key: clauses sorted and joined so logically identical filters share an
// entry.
func (f *Flags) CacheKey() string {
	parts := make([]string, 0, len(f.Filters))
	for _, c := range f.Filters {
		op := "="
		if c.Op == OpNe {
			op = "!="
		}
		parts = append(parts, c.Attr+op+strings.ToLower(c.Value))
	}
	// Insertion sort keeps this allocation-light for the typical 1-3 clauses.
	for i := 1; i < len(parts); i++ {
		for j := i; j > 0 && parts[j] < parts[j-1]; j-- {
			parts[j], parts[j-1] = parts[j-1], parts[j]
		}
	}
	return strings.Join(parts, "&")
}
