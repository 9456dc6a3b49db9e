// Package template implements the record-creation template engine:
// loading with customization-over-base resolution, parent inheritance,
// partial expansion, variable substitution, conditional blocks, smart
// defaults, and the advanced validation-rule/field-relationship/custom-
// validator layers that run against a merged template's header definition.
//
// Body expansion dispatches on token shape (partial invocation, variable,
// conditional) the way a type-discriminated parser dispatches on a
// structural tag, generalized here to plain-text tokens.
package template

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Partial is a named fragment with its own variable placeholders and an
// optional declared parameter list.
type Partial struct {
	Name   string
	Params []string
	Body   string
}

// HeaderDefinition is a template's required-field/status/rule contract.
type HeaderDefinition struct {
	RequiredFields []string
	AllowedStatus  []string
	Sections       map[string]string // section name -> section body
	BusinessRules  []string
}

// Template is a named, typed document skeleton with optional parent
// inheritance.
type Template struct {
	Name         string
	Type         string
	Parent       string // "parentType/parentName", empty if none
	Header       HeaderDefinition
	Body         string
	Partials     []string
	AdvancedRules []Rule
	Relationships []Relationship
	Validators    []FieldValidator
}

// Loader resolves templates and partials, searching a customization
// directory first, then a base directory.
type Loader interface {
	LoadTemplate(typ, name string) (*Template, bool, error)
	LoadPartial(name string) (*Partial, bool, error)
}

// Resolve loads typ/name and recursively merges its parent chain, child
// overriding parent per the merge rules below. Cycles and chains beyond
// three parents return an error.
func Resolve(loader Loader, typ, name string) (*Template, error) {
	return resolveDepth(loader, typ, name, 0)
}

func resolveDepth(loader Loader, typ, name string, depth int) (*Template, error) {
	if depth > 3 {
		return nil, fmt.Errorf("template parent chain exceeds supported depth for %s/%s", typ, name)
	}
	tpl, ok, err := loader.LoadTemplate(typ, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("template not found: %s/%s", typ, name)
	}
	if tpl.Parent == "" {
		return tpl, nil
	}

	parts := strings.SplitN(tpl.Parent, "/", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid parent reference %q on %s/%s", tpl.Parent, typ, name)
	}
	parent, err := resolveDepth(loader, parts[0], parts[1], depth+1)
	if err != nil {
		return nil, err
	}

	return Merge(parent, tpl), nil
}

// Merge combines a parent and child template: required-fields and
// business-rules concatenate; sections merge with child override by
// section name; body is inherited only if the child body is empty;
// advanced rules/relationships/custom validators concatenate.
func Merge(parent, child *Template) *Template {
	merged := &Template{
		Name: child.Name,
		Type: child.Type,
	}

	merged.Header.RequiredFields = append(append([]string(nil), parent.Header.RequiredFields...), child.Header.RequiredFields...)
	merged.Header.BusinessRules = append(append([]string(nil), parent.Header.BusinessRules...), child.Header.BusinessRules...)

	if len(child.Header.AllowedStatus) > 0 {
		merged.Header.AllowedStatus = child.Header.AllowedStatus
	} else {
		merged.Header.AllowedStatus = parent.Header.AllowedStatus
	}

	merged.Header.Sections = make(map[string]string, len(parent.Header.Sections)+len(child.Header.Sections))
	for k, v := range parent.Header.Sections {
		merged.Header.Sections[k] = v
	}
	for k, v := range child.Header.Sections {
		merged.Header.Sections[k] = v
	}

	if strings.TrimSpace(child.Body) != "" {
		merged.Body = child.Body
	} else {
		merged.Body = parent.Body
	}

	merged.Partials = append(append([]string(nil), parent.Partials...), child.Partials...)
	merged.AdvancedRules = append(append([]Rule(nil), parent.AdvancedRules...), child.AdvancedRules...)
	merged.Relationships = append(append([]Relationship(nil), parent.Relationships...), child.Relationships...)
	merged.Validators = append(append([]FieldValidator(nil), parent.Validators...), child.Validators...)

	return merged
}

var (
	partialRe    = regexp.MustCompile(`\{\{>\s*([a-zA-Z0-9_\-]+)((?:\s+[a-zA-Z0-9_]+=\S+)*)\s*\}\}`)
	variableRe   = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)
	conditionalRe = regexp.MustCompile(`(?s)\{\{#if\s+(.+?)\}\}(.*?)\{\{/if\}\}`)
	kvArgRe      = regexp.MustCompile(`([a-zA-Z0-9_]+)=(\S+)`)
)

// Expand renders a merged template's body against scope, in the order:
// partials, then variables, then conditionals.
func Expand(tpl *Template, scope map[string]interface{}, loader Loader) (string, error) {
	text := tpl.Body

	text = expandPartials(text, scope, loader)
	text = expandVariables(text, scope)
	text = expandConditionals(text, scope)

	return text, nil
}

func expandPartials(text string, scope map[string]interface{}, loader Loader) string {
	return partialRe.ReplaceAllStringFunc(text, func(match string) string {
		m := partialRe.FindStringSubmatch(match)
		name := m[1]
		argsStr := m[2]

		partial, ok, err := loader.LoadPartial(name)
		if err != nil || !ok {
			return fmt.Sprintf("<!-- unknown partial: %s -->", name)
		}

		partialScope := make(map[string]interface{}, len(scope))
		for k, v := range scope {
			partialScope[k] = v
		}
		for _, kv := range kvArgRe.FindAllStringSubmatch(argsStr, -1) {
			key, value := kv[1], kv[2]
			if bound, ok := scope[value]; ok {
				partialScope[key] = bound
			} else {
				partialScope[key] = strings.Trim(value, `"'`)
			}
		}

		body := expandVariables(partial.Body, partialScope)
		body = expandConditionals(body, partialScope)
		return body
	})
}

func expandVariables(text string, scope map[string]interface{}) string {
	return variableRe.ReplaceAllStringFunc(text, func(match string) string {
		m := variableRe.FindStringSubmatch(match)
		name := m[1]
		v, ok := scope[name]
		if !ok {
			return ""
		}
		return fmt.Sprintf("%v", v)
	})
}

func expandConditionals(text string, scope map[string]interface{}) string {
	for conditionalRe.MatchString(text) {
		text = conditionalRe.ReplaceAllStringFunc(text, func(match string) string {
			m := conditionalRe.FindStringSubmatch(match)
			expr, body := m[1], m[2]
			if evalCondition(strings.TrimSpace(expr), scope) {
				return body
			}
			return ""
		})
	}
	return text
}

func evalCondition(expr string, scope map[string]interface{}) bool {
	if strings.Contains(expr, "==") {
		parts := strings.SplitN(expr, "==", 2)
		return strings.TrimSpace(stringify(scope[strings.TrimSpace(parts[0])])) == strings.Trim(strings.TrimSpace(parts[1]), `"' `)
	}
	if strings.Contains(expr, "!=") {
		parts := strings.SplitN(expr, "!=", 2)
		return strings.TrimSpace(stringify(scope[strings.TrimSpace(parts[0])])) != strings.Trim(strings.TrimSpace(parts[1]), `"' `)
	}
	if strings.HasPrefix(expr, "!") {
		return !truthy(scope[strings.TrimSpace(expr[1:])])
	}
	return truthy(scope[expr])
}

func truthy(v interface{}) bool {
	if v == nil {
		return false
	}
	if s, ok := v.(string); ok {
		return s != ""
	}
	return true
}

func stringify(v interface{}) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

// ApplySmartDefaults fills unset scope keys from the standard defaulting
// table. today is injected so callers control "now" in tests.
func ApplySmartDefaults(scope map[string]interface{}, recordType string, today time.Time) {
	date := today.Format("2006-01-02")

	setIfUnset(scope, "date", date)
	setIfUnset(scope, "created", scope["date"])
	setIfUnset(scope, "updated", scope["date"])
	setIfUnset(scope, "author", "unknown")
	setIfUnset(scope, "version", "1.0.0")
	setIfUnset(scope, "status", "draft")
	setIfUnset(scope, "fiscal_year", strconv.Itoa(today.Year()))

	switch recordType {
	case "bylaw", "policy", "resolution":
		setIfUnset(scope, "document_number", fmt.Sprintf("%s-%d-001", strings.ToUpper(recordType[:3]), today.Year()))
	}
}

func setIfUnset(scope map[string]interface{}, key string, value interface{}) {
	if existing, ok := scope[key]; ok && truthy(existing) {
		return
	}
	scope[key] = value
}
