// Package schema validates a record header against a composable schema:
// a base schema, an optional type-extension schema, zero or more
// module-extension schemas, and zero or more runtime plugin-extension
// schemas. Composition is cached by (recordType, generation); every type,
// module or plugin registration and every plugin unregistration bumps the
// generation, which invalidates earlier entries. Options do not affect
// composition and are not part of the key.
//
// The composition-cache design mirrors layered-repository doc blocks
// applied here to schema layers rather than storage backends.
package schema

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// Severity of a diagnostic.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Diagnostic is one schema-validation finding.
type Diagnostic struct {
	Severity   Severity `json:"severity"`
	Code       string   `json:"code"`
	Message    string   `json:"message"`
	FieldPath  string   `json:"field_path"`
	Suggestion string   `json:"suggestion,omitempty"`
}

// Result is the outcome of a validate call.
type Result struct {
	Valid    bool
	Errors   []Diagnostic
	Warnings []Diagnostic
	Info     []Diagnostic
}

func (r *Result) addError(d Diagnostic) {
	d.Severity = SeverityError
	r.Errors = append(r.Errors, d)
	r.Valid = false
}

func (r *Result) addWarning(d Diagnostic) {
	d.Severity = SeverityWarning
	r.Warnings = append(r.Warnings, d)
}

// FieldRule constrains one header field. Validate checks Required and
// Enum; Type is checked only when it is "string" (the value must be a
// string, within MinLen/MaxLen). Any other Type value is not checked, and
// Pattern is not evaluated.
type FieldRule struct {
	Field    string
	Required bool
	Type     string
	Enum     []string
	Pattern  string
	MinLen   int
	MaxLen   int
}

// Schema is one composable layer: a base schema, type extension, module
// extension, or plugin extension.
type Schema struct {
	Name  string
	Rules []FieldRule
}

// BusinessRuleFunc runs after schema validation passes.
type BusinessRuleFunc func(header map[string]interface{}, result *Result)

// PluginPredicate decides whether a plugin schema applies to a record type.
type PluginPredicate func(recordType string) bool

type pluginEntry struct {
	schema    Schema
	predicate PluginPredicate
}

// Options selects which extension layers apply beyond the base schema.
type Options struct {
	RecordTypesEnum  []string
	RecordStatusEnum []string
}

type cacheKey struct {
	recordType string
	gen        int64
}

// Validator composes and caches schemas, and runs the business-rule layer.
type Validator struct {
	base           Schema
	typeSchemas    map[string]Schema
	moduleSchemas  []moduleEntry
	mu             sync.RWMutex
	plugins        []pluginEntry
	businessRules  []BusinessRuleFunc
	generation     int64
	cache          sync.Map // cacheKey -> []FieldRule
	disk           *DiskCache
}

type moduleEntry struct {
	schema    Schema
	appliesTo map[string]bool
}

// New builds a validator with the default base schema and the standard
// business rules.
func New() *Validator {
	v := &Validator{
		base:        baseSchema(),
		typeSchemas: make(map[string]Schema),
	}
	v.businessRules = []BusinessRuleFunc{emptyAuthorsWarning, createdAfterUpdatedWarning}
	return v
}

func baseSchema() Schema {
	return Schema{
		Name: "base",
		Rules: []FieldRule{
			{Field: "id", Required: true, Type: "string"},
			{Field: "title", Required: true, Type: "string"},
			{Field: "type", Required: true, Type: "string"},
			{Field: "status", Required: true, Type: "string"},
			{Field: "author", Required: true, Type: "string"},
			{Field: "created", Required: true, Type: "string"},
			{Field: "updated", Required: true, Type: "string"},
		},
	}
}

// RegisterTypeSchema adds a type-extension schema keyed by record type.
func (v *Validator) RegisterTypeSchema(recordType string, s Schema) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.typeSchemas[recordType] = s
	atomic.AddInt64(&v.generation, 1)
}

// RegisterModuleSchema adds a module-extension schema applying to the
// given record types (e.g. legal-register applying to bylaw/ordinance/...).
func (v *Validator) RegisterModuleSchema(s Schema, appliesTo []string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	applies := make(map[string]bool, len(appliesTo))
	for _, t := range appliesTo {
		applies[t] = true
	}
	v.moduleSchemas = append(v.moduleSchemas, moduleEntry{schema: s, appliesTo: applies})
	atomic.AddInt64(&v.generation, 1)
}

// RegisterPlugin adds a runtime plugin-extension schema with a predicate
// over record type. Registration invalidates the composition cache.
func (v *Validator) RegisterPlugin(s Schema, predicate PluginPredicate) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.plugins = append(v.plugins, pluginEntry{schema: s, predicate: predicate})
	atomic.AddInt64(&v.generation, 1)
}

// UnregisterPlugin removes a plugin schema by name and invalidates the cache.
func (v *Validator) UnregisterPlugin(name string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	kept := v.plugins[:0]
	for _, p := range v.plugins {
		if p.schema.Name != name {
			kept = append(kept, p)
		}
	}
	v.plugins = kept
	atomic.AddInt64(&v.generation, 1)
}

// compose returns the effective rule set for a record type, using the
// composition cache keyed by (recordType, generation).
func (v *Validator) compose(recordType string) []FieldRule {
	gen := atomic.LoadInt64(&v.generation)
	key := cacheKey{recordType: recordType, gen: gen}
	if cached, ok := v.cache.Load(key); ok {
		return cached.([]FieldRule)
	}
	if v.disk != nil {
		if rules, ok := v.disk.load(recordType, gen); ok {
			v.cache.Store(key, rules)
			return rules
		}
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	rules := append([]FieldRule(nil), v.base.Rules...)
	if ts, ok := v.typeSchemas[recordType]; ok {
		rules = append(rules, ts.Rules...)
	}
	for _, m := range v.moduleSchemas {
		if m.appliesTo[recordType] {
			rules = append(rules, m.schema.Rules...)
		}
	}
	for _, p := range v.plugins {
		if p.predicate != nil && p.predicate(recordType) {
			rules = append(rules, p.schema.Rules...)
		}
	}

	v.cache.Store(key, rules)
	if v.disk != nil {
		v.disk.store(recordType, gen, rules)
	}
	return rules
}

// Validate validates a header map against the composed schema for
// recordType, then runs the business-rule layer if the schema passes.
func (v *Validator) Validate(header map[string]interface{}, recordType string, opts Options) *Result {
	result := &Result{Valid: true}
	rules := v.compose(recordType)

	for _, rule := range rules {
		validateField(rule, header, result, opts)
	}

	if result.Valid {
		for _, rule := range v.businessRules {
			rule(header, result)
		}
	}

	return result
}

func validateField(rule FieldRule, header map[string]interface{}, result *Result, opts Options) {
	value, present := header[rule.Field]

	if rule.Required && (!present || isEmptyValue(value)) {
		result.addError(Diagnostic{
			Code:      "FIELD_REQUIRED",
			Message:   fmt.Sprintf("field %q is required", rule.Field),
			FieldPath: rule.Field,
		})
		return
	}
	if !present {
		return
	}

	enum := rule.Enum
	if rule.Field == "type" && len(opts.RecordTypesEnum) > 0 {
		enum = opts.RecordTypesEnum
	}
	if rule.Field == "status" && len(opts.RecordStatusEnum) > 0 {
		enum = opts.RecordStatusEnum
	}

	if len(enum) > 0 {
		s, ok := value.(string)
		if !ok || !contains(enum, s) {
			result.addError(Diagnostic{
				Code:       "FIELD_ENUM",
				Message:    fmt.Sprintf("field %q must be one of %v", rule.Field, enum),
				FieldPath:  rule.Field,
				Suggestion: strings.Join(enum, ", "),
			})
			return
		}
	}

	if rule.Type == "string" {
		s, ok := value.(string)
		if !ok {
			result.addError(Diagnostic{
				Code:      "FIELD_TYPE",
				Message:   fmt.Sprintf("field %q must be a string", rule.Field),
				FieldPath: rule.Field,
			})
			return
		}
		if rule.MinLen > 0 && len(s) < rule.MinLen {
			result.addError(Diagnostic{
				Code:      "FIELD_LENGTH",
				Message:   fmt.Sprintf("field %q must be at least %d characters", rule.Field, rule.MinLen),
				FieldPath: rule.Field,
			})
		}
		if rule.MaxLen > 0 && len(s) > rule.MaxLen {
			result.addError(Diagnostic{
				Code:      "FIELD_LENGTH",
				Message:   fmt.Sprintf("field %q must be at most %d characters", rule.Field, rule.MaxLen),
				FieldPath: rule.Field,
			})
		}
	}
}

func isEmptyValue(v interface{}) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return s == ""
	}
	return false
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// emptyAuthorsWarning: if an authors sequence exists and is empty, warn.
func emptyAuthorsWarning(header map[string]interface{}, result *Result) {
	authors, ok := header["authors"]
	if !ok {
		return
	}
	list, ok := authors.([]interface{})
	if ok && len(list) == 0 {
		result.addWarning(Diagnostic{
			Code:      "AUTHORS_EMPTY",
			Message:   "authors list is present but empty",
			FieldPath: "authors",
		})
	}
}

// createdAfterUpdatedWarning: if created and updated are both present and
// created > updated, warn.
func createdAfterUpdatedWarning(header map[string]interface{}, result *Result) {
	created, okC := header["created"].(string)
	updated, okU := header["updated"].(string)
	if !okC || !okU {
		return
	}
	if created > updated {
		result.addWarning(Diagnostic{
			Code:      "CREATED_AFTER_UPDATED",
			Message:   "created timestamp is after updated timestamp",
			FieldPath: "created",
		})
	}
}
