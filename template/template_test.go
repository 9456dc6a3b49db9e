package template

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLoader struct {
	templates map[string]*Template
	partials  map[string]*Partial
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{templates: map[string]*Template{}, partials: map[string]*Partial{}}
}

func (f *fakeLoader) key(typ, name string) string { return typ + "/" + name }

func (f *fakeLoader) LoadTemplate(typ, name string) (*Template, bool, error) {
	t, ok := f.templates[f.key(typ, name)]
	return t, ok, nil
}

func (f *fakeLoader) LoadPartial(name string) (*Partial, bool, error) {
	p, ok := f.partials[name]
	return p, ok, nil
}

func TestResolve_NoParentReturnsTemplateUnchanged(t *testing.T) {
	loader := newFakeLoader()
	loader.templates["policy/base"] = &Template{Name: "base", Type: "policy", Body: "hello"}

	tpl, err := Resolve(loader, "policy", "base")
	require.NoError(t, err)
	assert.Equal(t, "hello", tpl.Body)
}

func TestResolve_MergesParentChain(t *testing.T) {
	loader := newFakeLoader()
	loader.templates["policy/grandparent"] = &Template{
		Name: "grandparent", Type: "policy", Body: "gp-body",
		Header: HeaderDefinition{RequiredFields: []string{"id"}},
	}
	loader.templates["policy/parent"] = &Template{
		Name: "parent", Type: "policy", Parent: "policy/grandparent",
		Header: HeaderDefinition{RequiredFields: []string{"title"}},
	}
	loader.templates["policy/child"] = &Template{
		Name: "child", Type: "policy", Parent: "policy/parent",
		Header: HeaderDefinition{RequiredFields: []string{"status"}},
	}

	tpl, err := Resolve(loader, "policy", "child")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "title", "status"}, tpl.Header.RequiredFields)
	assert.Equal(t, "gp-body", tpl.Body, "body inherited since no descendant overrides it")
}

func TestMerge_ChildBodyOverridesWhenNonEmpty(t *testing.T) {
	parent := &Template{Body: "parent body"}
	child := &Template{Body: "child body"}

	merged := Merge(parent, child)
	assert.Equal(t, "child body", merged.Body)
}

func TestMerge_SectionsOverrideByName(t *testing.T) {
	parent := &Template{Header: HeaderDefinition{Sections: map[string]string{"intro": "parent intro", "footer": "parent footer"}}}
	child := &Template{Header: HeaderDefinition{Sections: map[string]string{"intro": "child intro"}}}

	merged := Merge(parent, child)
	assert.Equal(t, "child intro", merged.Header.Sections["intro"])
	assert.Equal(t, "parent footer", merged.Header.Sections["footer"])
}

func TestExpand_VariableSubstitution(t *testing.T) {
	loader := newFakeLoader()
	tpl := &Template{Body: "Title: {{ title }}"}

	out, err := Expand(tpl, map[string]interface{}{"title": "Open Data"}, loader)
	require.NoError(t, err)
	assert.Equal(t, "Title: Open Data", out)
}

func TestExpand_ConditionalBlocks(t *testing.T) {
	loader := newFakeLoader()
	tpl := &Template{Body: "{{#if urgent}}URGENT{{/if}} notice"}

	out, err := Expand(tpl, map[string]interface{}{"urgent": "yes"}, loader)
	require.NoError(t, err)
	assert.Equal(t, "URGENT notice", out)

	out, err = Expand(tpl, map[string]interface{}{}, loader)
	require.NoError(t, err)
	assert.Equal(t, " notice", out)
}

func TestExpand_ConditionalEquality(t *testing.T) {
	loader := newFakeLoader()
	tpl := &Template{Body: "{{#if status == 'draft'}}DRAFT{{/if}}"}

	out, err := Expand(tpl, map[string]interface{}{"status": "draft"}, loader)
	require.NoError(t, err)
	assert.Equal(t, "DRAFT", out)
}

func TestExpand_PartialInvocationBindsAndSubstitutes(t *testing.T) {
	loader := newFakeLoader()
	loader.partials["byline"] = &Partial{Name: "byline", Body: "By {{ who }}"}
	tpl := &Template{Body: "{{> byline who=author}}"}

	out, err := Expand(tpl, map[string]interface{}{"author": "jdoe"}, loader)
	require.NoError(t, err)
	assert.Equal(t, "By jdoe", out)
}

func TestExpand_UnknownPartialRendersMarker(t *testing.T) {
	loader := newFakeLoader()
	tpl := &Template{Body: "{{> missing}}"}

	out, err := Expand(tpl, map[string]interface{}{}, loader)
	require.NoError(t, err)
	assert.Contains(t, out, "unknown partial")
}

func TestApplySmartDefaults_OnlyFillsUnsetKeys(t *testing.T) {
	scope := map[string]interface{}{"status": "published"}
	today := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	ApplySmartDefaults(scope, "policy", today)

	assert.Equal(t, "published", scope["status"])
	assert.Equal(t, "2026-05-01", scope["date"])
	assert.Equal(t, "2026-05-01", scope["created"])
	assert.Equal(t, "1.0.0", scope["version"])
	assert.Equal(t, "2026", scope["fiscal_year"])
	assert.NotEmpty(t, scope["document_number"])
}

func TestEvaluateRules_DateSequence(t *testing.T) {
	rules := []Rule{{Kind: "date_sequence", Fields: []string{"created", "updated", "published"}}}
	header := map[string]interface{}{"created": "2026-01-01", "updated": "2026-01-02", "published": "2026-01-01"}

	violations := EvaluateRules(rules, header)
	assert.Len(t, violations, 1)
}

func TestEvaluateRules_ContentQualityRejectsPlaceholder(t *testing.T) {
	rules := []Rule{{Kind: "content_quality", Fields: []string{"body"}, MinLen: 10}}
	header := map[string]interface{}{"body": "[Add a real summary here please]"}

	violations := EvaluateRules(rules, header)
	require.Len(t, violations, 1)
}

func TestEvaluateRelationships_MutuallyExclusive(t *testing.T) {
	rels := []Relationship{{Kind: "mutually_exclusive", Fields: []string{"url", "attachment"}}}
	header := map[string]interface{}{"url": "https://example.com", "attachment": "file.pdf"}

	violations := EvaluateRelationships(rels, header)
	assert.Len(t, violations, 1)
}

func TestEvaluateValidators_RequiredIf(t *testing.T) {
	validators := []FieldValidator{{Field: "reason", Kind: "required_if", CondField: "status", CondValue: "rejected"}}
	header := map[string]interface{}{"status": "rejected"}

	violations := EvaluateValidators(validators, header)
	assert.Len(t, violations, 1)
}

func TestEvaluateValidators_Semver(t *testing.T) {
	validators := []FieldValidator{{Field: "version", Kind: "semver"}}
	header := map[string]interface{}{"version": "not-a-version"}

	violations := EvaluateValidators(validators, header)
	assert.Len(t, violations, 1)
}
