package template

import (
	"fmt"
	"regexp"
	"strings"
)

// Rule is an advanced validation rule evaluated against a record header.
type Rule struct {
	Kind   string // "date_sequence", "field_dependency", "content_quality", "business_logic"
	Fields []string
	FieldA string
	FieldB string
	MinLen int
}

// Relationship is a field-relationship constraint.
type Relationship struct {
	Kind   string // "required_together", "mutually_exclusive", "dependent_on", "conditional"
	Fields []string
	If     string
}

// FieldValidator is a custom per-field validator.
type FieldValidator struct {
	Field     string
	Kind      string // "email", "url", "phone", "date", "semver", "required_if"
	CondField string
	CondValue string
}

var placeholderMarkers = []string{"[Add", "[TODO"}

// EvaluateRules runs the advanced validation rules against header,
// appending a human-readable message per violation.
func EvaluateRules(rules []Rule, header map[string]interface{}) []string {
	var violations []string
	for _, r := range rules {
		switch r.Kind {
		case "date_sequence":
			if msg, ok := checkDateSequence(r.Fields, header); !ok {
				violations = append(violations, msg)
			}
		case "field_dependency":
			if msg, ok := checkFieldDependency(r.FieldA, r.FieldB, header); !ok {
				violations = append(violations, msg)
			}
		case "content_quality":
			if msg, ok := checkContentQuality(r.Fields, r.MinLen, header); !ok {
				violations = append(violations, msg)
			}
		case "business_logic":
			// extension point; default accepts.
		}
	}
	return violations
}

func checkDateSequence(fields []string, header map[string]interface{}) (string, bool) {
	prev := ""
	for _, f := range fields {
		v, ok := header[f].(string)
		if !ok {
			continue
		}
		if prev != "" && v < prev {
			return fmt.Sprintf("date sequence violated: %s must be non-decreasing", strings.Join(fields, ", ")), false
		}
		prev = v
	}
	return "", true
}

func checkFieldDependency(a, b string, header map[string]interface{}) (string, bool) {
	if truthy(header[a]) && !truthy(header[b]) {
		return fmt.Sprintf("field %q requires field %q to be set", a, b), false
	}
	return "", true
}

func checkContentQuality(fields []string, minLen int, header map[string]interface{}) (string, bool) {
	if minLen == 0 {
		minLen = 50
	}
	var combined strings.Builder
	for _, f := range fields {
		if s, ok := header[f].(string); ok {
			combined.WriteString(s)
		}
	}
	text := combined.String()
	if len(text) < minLen {
		return fmt.Sprintf("combined content of %s must be at least %d characters", strings.Join(fields, ", "), minLen), false
	}
	for _, marker := range placeholderMarkers {
		if strings.Contains(text, marker) {
			return fmt.Sprintf("combined content of %s contains placeholder marker %q", strings.Join(fields, ", "), marker), false
		}
	}
	return "", true
}

// EvaluateRelationships checks field-relationship constraints.
func EvaluateRelationships(rels []Relationship, header map[string]interface{}) []string {
	var violations []string
	for _, rel := range rels {
		switch rel.Kind {
		case "required_together":
			present := 0
			for _, f := range rel.Fields {
				if truthy(header[f]) {
					present++
				}
			}
			if present != 0 && present != len(rel.Fields) {
				violations = append(violations, fmt.Sprintf("fields %s must all be set together", strings.Join(rel.Fields, ", ")))
			}
		case "mutually_exclusive":
			present := 0
			for _, f := range rel.Fields {
				if truthy(header[f]) {
					present++
				}
			}
			if present > 1 {
				violations = append(violations, fmt.Sprintf("fields %s are mutually exclusive", strings.Join(rel.Fields, ", ")))
			}
		case "dependent_on":
			if len(rel.Fields) == 2 && truthy(header[rel.Fields[0]]) && !truthy(header[rel.Fields[1]]) {
				violations = append(violations, fmt.Sprintf("field %q depends on field %q", rel.Fields[0], rel.Fields[1]))
			}
		case "conditional":
			if evalCondition(rel.If, header) {
				for _, f := range rel.Fields {
					if !truthy(header[f]) {
						violations = append(violations, fmt.Sprintf("field %q is required when %q holds", f, rel.If))
					}
				}
			}
		}
	}
	return violations
}

var (
	emailRe  = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	urlRe    = regexp.MustCompile(`^https?://[^\s]+$`)
	dateRe   = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}`)
	semverRe = regexp.MustCompile(`^\d+\.\d+\.\d+(-[0-9A-Za-z.-]+)?(\+[0-9A-Za-z.-]+)?$`)
	phoneStripRe = regexp.MustCompile(`[\s().\-]`)
	phoneDigitsRe = regexp.MustCompile(`^\d+$`)
)

// EvaluateValidators runs custom per-field validators.
func EvaluateValidators(validators []FieldValidator, header map[string]interface{}) []string {
	var violations []string
	for _, v := range validators {
		value, _ := header[v.Field].(string)
		switch v.Kind {
		case "email":
			if value != "" && !emailRe.MatchString(value) {
				violations = append(violations, fmt.Sprintf("field %q is not a valid email", v.Field))
			}
		case "url":
			if value != "" && !urlRe.MatchString(value) {
				violations = append(violations, fmt.Sprintf("field %q is not a valid url", v.Field))
			}
		case "phone":
			stripped := phoneStripRe.ReplaceAllString(value, "")
			if value != "" && !phoneDigitsRe.MatchString(stripped) {
				violations = append(violations, fmt.Sprintf("field %q is not a valid phone number", v.Field))
			}
		case "date":
			if value != "" && !dateRe.MatchString(value) {
				violations = append(violations, fmt.Sprintf("field %q is not a valid date", v.Field))
			}
		case "semver":
			if value != "" && !semverRe.MatchString(value) {
				violations = append(violations, fmt.Sprintf("field %q is not a valid semantic version", v.Field))
			}
		case "required_if":
			condValue, _ := header[v.CondField].(string)
			if condValue == v.CondValue && !truthy(header[v.Field]) {
				violations = append(violations, fmt.Sprintf("field %q is required when %q is %q", v.Field, v.CondField, v.CondValue))
			}
		}
	}
	return violations
}
