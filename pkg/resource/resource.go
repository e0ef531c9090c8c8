// Package resource parses and structurally validates FHIR JSON resources
// before they are sent to a FHIR server.
package resource

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrMalformed is returned when a payload is not a JSON resource at all.
	ErrMalformed = errors.New("malformed resource")

	// ErrInvalid is returned when a parsed resource violates FHIR structure rules.
	ErrInvalid = errors.New("invalid resource")
)

var (
	resourceTypePattern = regexp.MustCompile(`^[A-Z][A-Za-z]{1,63}$`)
	idPattern           = regexp.MustCompile(`^[A-Za-z0-9\-.]{1,64}$`)
)

// Resource is a parsed FHIR resource.
type Resource struct {
	// Type is the resourceType element, e.g. "Patient".
	Type string

	// ID is the logical id, empty for resources that do not exist yet.
	ID string

	// Body is the resource JSON as received, without surrounding whitespace.
	Body []byte

	fields map[string]json.RawMessage
}

// Parse decodes a FHIR JSON resource. Errors match ErrMalformed.
func Parse(data []byte) (*Resource, error) {
	body := bytes.TrimSpace(data)
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformed)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: payload is not a JSON object", ErrMalformed)
	}

	resourceType, err := stringField(fields, "resourceType")
	if err != nil {
		return nil, err
	}
	if resourceType == "" {
		return nil, fmt.Errorf("%w: missing resourceType", ErrMalformed)
	}

	id, err := stringField(fields, "id")
	if err != nil {
		return nil, err
	}

	return &Resource{
		Type:   resourceType,
		ID:     id,
		Body:   body,
		fields: fields,
	}, nil
}

func stringField(fields map[string]json.RawMessage, name string) (string, error) {
	raw, ok := fields[name]
	if !ok {
		return "", nil
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", fmt.Errorf("%w: %s must be a string", ErrMalformed, name)
	}
	return value, nil
}

// IsUpdate reports whether the resource carries an id and must be written
// with an update (PUT) rather than a create (POST).
func (r *Resource) IsUpdate() bool {
	return strings.TrimSpace(r.ID) != ""
}

// Reference returns "Type/id", or "Type" for resources without an id.
func (r *Resource) Reference() string {
	if r.IsUpdate() {
		return r.Type + "/" + r.ID
	}
	return r.Type
}
