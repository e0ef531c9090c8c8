package resource

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// maxIssues bounds how many issues a ValidationError collects.
const maxIssues = 20

// Issue is a single structural problem found in a resource.
type Issue struct {
	// Path is a FHIRPath-like location, e.g. "Patient.name[0].family".
	Path    string
	Message string
}

// ValidationError lists the issues found by Validate.
type ValidationError struct {
	Reference string
	Issues    []Issue
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		parts = append(parts, fmt.Sprintf("%s: %s", issue.Path, issue.Message))
	}
	return fmt.Sprintf("%s %s: %s", ErrInvalid, e.Reference, strings.Join(parts, "; "))
}

// Is reports whether target is ErrInvalid.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalid
}

// Validate checks the structural rules of FHIR JSON that can be verified
// without a structure definition:
//   - resourceType is a well-formed type name
//   - id, when present, matches the FHIR id datatype
//   - no element is an empty string, empty object or empty array
//   - no element outside an array is null
//   - Bundle resources declare their type
//
// Errors are *ValidationError and match ErrInvalid.
func Validate(r *Resource) error {
	v := &validator{}

	if !resourceTypePattern.MatchString(r.Type) {
		v.add("resourceType", fmt.Sprintf("invalid resource type %q", r.Type))
	}
	if _, ok := r.fields["id"]; ok && !idPattern.MatchString(r.ID) {
		v.add(r.Type+".id", fmt.Sprintf("invalid id %q", r.ID))
	}

	decoder := json.NewDecoder(bytes.NewReader(r.Body))
	decoder.UseNumber()
	var doc map[string]any
	if err := decoder.Decode(&doc); err != nil {
		v.add(r.Type, err.Error())
	} else {
		for _, key := range sortedKeys(doc) {
			if key == "resourceType" {
				continue
			}
			v.walk(r.Type+"."+key, doc[key], false)
		}
	}

	if r.Type == "Bundle" {
		if bundleType, _ := doc["type"].(string); bundleType == "" {
			v.add("Bundle.type", "bundle type is required")
		}
	}

	if len(v.issues) == 0 {
		return nil
	}
	return &ValidationError{Reference: r.Reference(), Issues: v.issues}
}

type validator struct {
	issues []Issue
}

func (v *validator) add(path, message string) {
	if len(v.issues) < maxIssues {
		v.issues = append(v.issues, Issue{Path: path, Message: message})
	}
}

func (v *validator) walk(path string, value any, inArray bool) {
	switch typed := value.(type) {
	case nil:
		// Arrays of primitives may carry null placeholders for extensions.
		if !inArray {
			v.add(path, "null is not allowed")
		}
	case string:
		if typed == "" {
			v.add(path, "empty string is not allowed")
		}
	case map[string]any:
		if len(typed) == 0 {
			v.add(path, "empty object is not allowed")
		}
		for _, key := range sortedKeys(typed) {
			v.walk(path+"."+key, typed[key], false)
		}
	case []any:
		if len(typed) == 0 {
			v.add(path, "empty array is not allowed")
		}
		for i, child := range typed {
			v.walk(fmt.Sprintf("%s[%d]", path, i), child, true)
		}
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
