package schema

import "fmt"

// ValidationResult is always returned by Validate, even for garbage input.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// Validate checks the shape of a snapshot against a version. A tag which differs from the requested
// version is only a warning, so that older and newer peers can still exchange data.
func (r *Registry) Validate(s Snapshot, v Version) ValidationResult {
	res := ValidationResult{
		Errors:   []string{},
		Warnings: []string{},
	}
	if s == nil {
		res.Errors = append(res.Errors, "snapshot is empty")
		return res
	}
	tag, ok := s.Version()
	if !ok {
		res.Errors = append(res.Errors, "missing "+VersionKey)
	} else if tag != v {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%s is %d, validating against %d", VersionKey, tag, v))
	}
	def, ok := r.Schema(v)
	if !ok {
		res.Errors = append(res.Errors, fmt.Sprintf("unknown schema version %d", v))
		return res
	}
	for _, field := range def.Required {
		if _, exists := s[field]; !exists {
			res.Errors = append(res.Errors, "missing required field "+field)
		}
	}
	res.Valid = len(res.Errors) == 0
	return res
}
