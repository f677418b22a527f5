// Package query maps HTTP query attributes onto internal lookup identifiers.
//
// The same resolver serves the certificate-store query session, where the
// query is a plain attribute=value pair, and the SCEP side channel, whose
// operation=X&message=Y shape is rewritten into attribute=value first.
package query

import (
	"encoding/base64"
	"net/url"
	"strings"

	"github.com/ruteri/scep-provisioning-backend/interfaces"
)

// Entry is one recognized attribute name.
type Entry struct {
	Name   string
	ID     int
	Base64 bool
}

// Table resolves attribute names case-insensitively.
type Table struct {
	entries map[string]Entry
}

// Request is an attribute=value query, with any further parameters kept
// in ExtraData.
type Request struct {
	Attribute string
	Value     string
	ExtraData url.Values
}

// NewTable builds a table from entries. Names are compared by exact length
// and content, ignoring case.
func NewTable(entries ...Entry) *Table {
	t := &Table{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		t.entries[strings.ToLower(e.Name)] = e
	}
	return t
}

// Lookup returns the entry for name without touching any value.
func (t *Table) Lookup(name string) (Entry, bool) {
	e, ok := t.entries[strings.ToLower(name)]
	return e, ok
}

// Resolve matches req.Attribute and returns the entry ID together with the
// value, base64-decoded when the entry requires it. Values longer than
// maxValueLen after decoding are rejected; maxValueLen <= 0 disables the
// bound.
func (t *Table) Resolve(req Request, maxValueLen int) (int, []byte, error) {
	e, ok := t.Lookup(req.Attribute)
	if !ok {
		return 0, nil, interfaces.NewError(interfaces.KindBadData, "Invalid query attribute '%s'", req.Attribute)
	}

	value := []byte(req.Value)
	if e.Base64 {
		decoded, err := decodeBase64(req.Value)
		if err != nil {
			return 0, nil, interfaces.WrapError(interfaces.KindBadData, err, "Invalid base64-encoded query value '%s'", req.Value)
		}
		value = decoded
	}
	if maxValueLen > 0 && len(value) > maxValueLen {
		return 0, nil, interfaces.NewError(interfaces.KindBadData, "Query value for '%s' exceeds %d bytes", e.Name, maxValueLen)
	}
	return e.ID, value, nil
}

// decodeBase64 accepts padded and unpadded standard and URL-safe forms,
// since query values pass through URL unescaping of varying quality.
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	if strings.ContainsAny(s, "-_") {
		return base64.RawURLEncoding.DecodeString(s)
	}
	return base64.RawStdEncoding.DecodeString(s)
}

// FromValues takes the single attribute=value pair of a certificate-store
// query. Any further parameters end up in ExtraData.
func FromValues(values url.Values) (Request, error) {
	if len(values) == 0 {
		return Request{}, interfaces.NewError(interfaces.KindBadData, "Missing query")
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	if len(keys) > 1 {
		return Request{}, interfaces.NewError(interfaces.KindBadData, "Query must contain a single attribute, got %d", len(keys))
	}
	attribute := keys[0]
	return Request{Attribute: attribute, Value: values.Get(attribute)}, nil
}

// FromSCEP rewrites a SCEP operation=X&message=Y query into X=Y.
func FromSCEP(values url.Values) (Request, error) {
	operation := values.Get("operation")
	if operation == "" {
		return Request{}, interfaces.NewError(interfaces.KindBadData, "Missing SCEP operation")
	}
	extra := url.Values{}
	for k, v := range values {
		if k != "operation" && k != "message" {
			extra[k] = v
		}
	}
	return Request{Attribute: operation, Value: values.Get("message"), ExtraData: extra}, nil
}
