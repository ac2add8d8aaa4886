package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	apperrors "github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/errors"
)

const companiesKey = "companies"

// SubRecordKind tags where a sub-record came from in the extraction.
type SubRecordKind string

const (
	KindLink   SubRecordKind = "link"
	KindSocial SubRecordKind = "social"
)

// SubRecord is a link or social after links and socials were merged.
// Socials never carry a credential.
type SubRecord struct {
	Kind       SubRecordKind
	Type       string
	URL        string
	Credential string
}

// LinkInput is one entry of a company's "links" object.
type LinkInput struct {
	Link     string `json:"link"`
	Password string `json:"password"`
}

// CompanyInput is one entry of the "companies" array. Unknown fields are
// kept in Extra.
type CompanyInput struct {
	Name    string
	Summary string
	Funding json.RawMessage
	Links   map[string]LinkInput
	Socials map[string]string
	Extra   map[string]json.RawMessage
}

// ExtractionPayload is a structured completion result. Fields holds every
// top-level member verbatim so the payload can be re-encoded unchanged.
type ExtractionPayload struct {
	Companies    []CompanyInput
	HasCompanies bool
	Fields       map[string]json.RawMessage
}

// LooksStructured reports whether text appears to be a JSON object.
func LooksStructured(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), "{")
}

// ParsePayload decodes and validates a structured completion. Anything that
// is not a JSON object, or whose companies section has the wrong shape,
// fails with ErrInvalidPayload.
func ParsePayload(text string) (*ExtractionPayload, error) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") {
		return nil, fmt.Errorf("%w: not a JSON object", apperrors.ErrInvalidPayload)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidPayload, err)
	}
	p := &ExtractionPayload{Fields: fields}

	raw, ok := fields[companiesKey]
	if !ok || isNull(raw) {
		return p, nil
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("%w: companies must be an array", apperrors.ErrInvalidPayload)
	}
	p.HasCompanies = true
	p.Companies = make([]CompanyInput, 0, len(entries))
	for i, entry := range entries {
		c, err := parseCompany(entry)
		if err != nil {
			return nil, fmt.Errorf("%w: companies[%d]: %v", apperrors.ErrInvalidPayload, i, err)
		}
		p.Companies = append(p.Companies, c)
	}
	return p, nil
}

func parseCompany(raw json.RawMessage) (CompanyInput, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return CompanyInput{}, fmt.Errorf("not an object")
	}
	c := CompanyInput{Extra: make(map[string]json.RawMessage)}
	for key, value := range fields {
		var err error
		switch key {
		case "name":
			err = decodeOptionalString(value, &c.Name)
		case "summary":
			err = decodeOptionalString(value, &c.Summary)
		case "funding":
			if !isNull(value) {
				c.Funding = compact(value)
			}
		case "links":
			c.Links, err = parseLinks(value)
		case "socials":
			c.Socials, err = parseSocials(value)
		default:
			c.Extra[key] = value
		}
		if err != nil {
			return CompanyInput{}, fmt.Errorf("%s: %v", key, err)
		}
	}
	if strings.TrimSpace(c.Name) == "" {
		return CompanyInput{}, fmt.Errorf("name is required")
	}
	return c, nil
}

// parseLinks accepts an object of objects. Entries that are not objects, or
// that carry no link, are skipped rather than rejected.
func parseLinks(raw json.RawMessage) (map[string]LinkInput, error) {
	if isNull(raw) {
		return nil, nil
	}
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("must be an object")
	}
	links := make(map[string]LinkInput, len(entries))
	for kind, entry := range entries {
		var in LinkInput
		if err := json.Unmarshal(entry, &in); err != nil {
			continue
		}
		if in.Link == "" {
			continue
		}
		links[kind] = in
	}
	return links, nil
}

func parseSocials(raw json.RawMessage) (map[string]string, error) {
	if isNull(raw) {
		return nil, nil
	}
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("must be an object")
	}
	socials := make(map[string]string, len(entries))
	for kind, entry := range entries {
		var url string
		if err := decodeOptionalString(entry, &url); err != nil {
			return nil, fmt.Errorf("%s: %v", kind, err)
		}
		if url == "" {
			continue
		}
		socials[kind] = url
	}
	return socials, nil
}

// SubRecords merges links and socials into one list keyed by type. A social
// whose type matches a link replaces it. The result is sorted by type.
func (c CompanyInput) SubRecords() []SubRecord {
	merged := make(map[string]SubRecord, len(c.Links)+len(c.Socials))
	for kind, l := range c.Links {
		merged[kind] = SubRecord{Kind: KindLink, Type: kind, URL: l.Link, Credential: l.Password}
	}
	for kind, url := range c.Socials {
		merged[kind] = SubRecord{Kind: KindSocial, Type: kind, URL: url}
	}
	out := make([]SubRecord, 0, len(merged))
	for _, rec := range merged {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// FundingJSON returns the funding blob as stored, "{}" when absent.
func (c CompanyInput) FundingJSON() string {
	if len(c.Funding) == 0 {
		return "{}"
	}
	return string(c.Funding)
}

func decodeOptionalString(raw json.RawMessage, dst *string) error {
	if isNull(raw) {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("must be a string")
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func compact(raw json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
