// Package jsonapi implements the JSON:API document model of the
// gateway and the resolution of include parameters against a shared
// resource cache with backend fallback.
package jsonapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidDocument is returned for payloads that cannot be parsed as
// a JSON:API document.
var ErrInvalidDocument = errors.New("invalid json:api document")

// ResourceIdentifier references a resource by type and id.
type ResourceIdentifier struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (ri ResourceIdentifier) valid() bool {
	return ri.Type != "" && ri.ID != ""
}

// Relationship holds the linkage of a resource to related resources,
// either a single identifier or a collection.
type Relationship struct {
	Data json.RawMessage `json:"data,omitempty"`
}

// Single returns the relationship target when the linkage is a single
// resource identifier.
func (r Relationship) Single() (ResourceIdentifier, bool) {
	d := bytes.TrimSpace(r.Data)
	if len(d) == 0 || d[0] != '{' {
		return ResourceIdentifier{}, false
	}

	var ri ResourceIdentifier
	if err := json.Unmarshal(d, &ri); err != nil {
		return ResourceIdentifier{}, false
	}

	return ri, true
}

// Collection returns the relationship targets when the linkage is a
// list of resource identifiers.
func (r Relationship) Collection() ([]ResourceIdentifier, bool) {
	d := bytes.TrimSpace(r.Data)
	if len(d) == 0 || d[0] != '[' {
		return nil, false
	}

	var ris []ResourceIdentifier
	if err := json.Unmarshal(d, &ris); err != nil {
		return nil, false
	}

	return ris, true
}

// identifiers returns all valid targets of the relationship.
func (r Relationship) identifiers() []ResourceIdentifier {
	if ri, ok := r.Single(); ok {
		if ri.valid() {
			return []ResourceIdentifier{ri}
		}
		return nil
	}

	ris, _ := r.Collection()
	valid := ris[:0]
	for _, ri := range ris {
		if ri.valid() {
			valid = append(valid, ri)
		}
	}

	return valid
}

// targetType returns the type of the relationship's target resources,
// when determinable from the linkage.
func (r Relationship) targetType() string {
	if ri, ok := r.Single(); ok {
		return ri.Type
	}

	if ris, ok := r.Collection(); ok && len(ris) > 0 {
		return ris[0].Type
	}

	return ""
}

// ResourceObject is a single resource. Attributes and meta are kept as
// raw JSON: the gateway routes and caches resource bodies, it does not
// interpret the business record schema.
type ResourceObject struct {
	Type          string                  `json:"type"`
	ID            string                  `json:"id"`
	Attributes    json.RawMessage         `json:"attributes,omitempty"`
	Relationships map[string]Relationship `json:"relationships,omitempty"`
	Meta          json.RawMessage         `json:"meta,omitempty"`
}

// Identifier returns the identifier of the resource.
func (ro *ResourceObject) Identifier() ResourceIdentifier {
	return ResourceIdentifier{Type: ro.Type, ID: ro.ID}
}

// Document is a JSON:API response envelope. Data is kept raw because
// it is either a single resource or a list.
type Document struct {
	Data     json.RawMessage   `json:"data,omitempty"`
	Included []*ResourceObject `json:"included,omitempty"`
	Errors   json.RawMessage   `json:"errors,omitempty"`
	Meta     json.RawMessage   `json:"meta,omitempty"`
}

// ParseDocument parses a response body as a JSON:API document.
func ParseDocument(body []byte) (*Document, error) {
	var d Document
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	return &d, nil
}

// HasData reports whether the document carries primary data.
func (d *Document) HasData() bool {
	data := bytes.TrimSpace(d.Data)
	return len(data) > 0 && !bytes.Equal(data, []byte("null"))
}

// Resources returns the primary data as a list, handling both the
// single resource and the collection form.
func (d *Document) Resources() ([]*ResourceObject, error) {
	data := bytes.TrimSpace(d.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}

	switch data[0] {
	case '{':
		var ro ResourceObject
		if err := json.Unmarshal(data, &ro); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
		}
		return []*ResourceObject{&ro}, nil
	case '[':
		var ros []*ResourceObject
		if err := json.Unmarshal(data, &ros); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
		}
		return ros, nil
	default:
		return nil, ErrInvalidDocument
	}
}

// WithIncluded returns the serialized document with the included
// resources merged in.
func (d *Document) WithIncluded(included []*ResourceObject) ([]byte, error) {
	if len(included) > 0 {
		d.Included = included
	}

	return json.Marshal(d)
}
