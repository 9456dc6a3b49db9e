package schema

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskCache_StoresComposedRulesOnCacheMiss(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema-cache.db")

	cache, err := OpenDiskCache(path)
	require.NoError(t, err)
	defer cache.Close()

	v := New().WithDiskCache(cache)
	v.RegisterTypeSchema("policy", Schema{Name: "policy", Rules: []FieldRule{
		{Field: "effective_date", Required: true, Type: "string"},
	}})

	result := v.Validate(validHeader(), "policy", Options{})
	assert.False(t, result.Valid) // effective_date is missing from validHeader()

	rules, ok := cache.load("policy", 1)
	require.True(t, ok)
	assert.Contains(t, ruleFields(rules), "effective_date")
}

func TestDiskCache_ServesFromDiskWhenInMemoryCacheIsCold(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema-cache.db")

	cache, err := OpenDiskCache(path)
	require.NoError(t, err)
	defer cache.Close()

	cache.store("ordinance", 0, []FieldRule{{Field: "sponsor", Required: true, Type: "string"}})

	v := New().WithDiskCache(cache)
	rules := v.compose("ordinance")
	assert.Contains(t, ruleFields(rules), "sponsor")
}

func ruleFields(rules []FieldRule) []string {
	out := make([]string, len(rules))
	for i, r := range rules {
		out[i] = r.Field
	}
	return out
}
