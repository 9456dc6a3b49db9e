package serializer

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"civicrecords.dev/platform/record"
)

func sampleRecord() *record.Record {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &record.Record{
		ID:      "law-1",
		Title:   "Open Data",
		Type:    "policy",
		Status:  "draft",
		Author:  "jdoe",
		Created: now,
		Updated: now,
		Body:    "# Open Data\n\nContent here.",
		Metadata: map[string]interface{}{
			"department": "clerk",
		},
	}
}

func TestSerialize_ProducesDelimitedHeaderAndBody(t *testing.T) {
	r := sampleRecord()

	text, err := Serialize(r)
	require.NoError(t, err)

	lines := strings.Split(text, "\n")
	assert.Equal(t, "---", lines[0])
	assert.Contains(t, text, "id: law-1")
	assert.Contains(t, text, "# Open Data")
}

func TestRoundTrip_FieldsSurvive(t *testing.T) {
	r := sampleRecord()

	text, err := Serialize(r)
	require.NoError(t, err)

	parsed, err := Parse(text, "")
	require.NoError(t, err)

	assert.Equal(t, r.ID, parsed.ID)
	assert.Equal(t, r.Title, parsed.Title)
	assert.Equal(t, r.Type, parsed.Type)
	assert.Equal(t, r.Status, parsed.Status)
	assert.Equal(t, r.Author, parsed.Author)
	assert.True(t, r.Created.Equal(parsed.Created))
	assert.True(t, r.Updated.Equal(parsed.Updated))
	assert.Equal(t, strings.TrimRight(r.Body, "\n"), parsed.Body)
	assert.Equal(t, "clerk", parsed.Metadata["department"])
}

func TestParseThenSerialize_IsByteIdenticalModuloTrailingNewline(t *testing.T) {
	r := sampleRecord()
	text, err := Serialize(r)
	require.NoError(t, err)

	parsed, err := Parse(text, "")
	require.NoError(t, err)

	again, err := Serialize(parsed)
	require.NoError(t, err)

	assert.Equal(t, strings.TrimRight(text, "\n"), strings.TrimRight(again, "\n"))
}

func TestParse_MissingRequiredFieldsFails(t *testing.T) {
	text := "---\ntitle: No ID\n---\n\nbody"

	_, err := Parse(text, "")
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Missing, "id")
	assert.Contains(t, verr.Missing, "status")
}

func TestParse_LegacyScalarSourceNormalizedToObject(t *testing.T) {
	text := "---\nid: x\ntitle: T\ntype: policy\nstatus: draft\nauthor: a\ncreated: 2026-01-01T00:00:00Z\nupdated: 2026-01-01T00:00:00Z\nsource: legacy-ref\n---\n\nbody"

	r, err := Parse(text, "")
	require.NoError(t, err)
	require.NotNil(t, r.Source)
	assert.Equal(t, "legacy-ref", r.Source.Reference)
}

func TestParse_AuthorDerivedFromAuthorsWhenMissing(t *testing.T) {
	text := "---\nid: x\ntitle: T\ntype: policy\nstatus: draft\ncreated: 2026-01-01T00:00:00Z\nupdated: 2026-01-01T00:00:00Z\nauthors:\n  - username: jsmith\n---\n\nbody"

	r, err := Parse(text, "")
	require.NoError(t, err)
	assert.Equal(t, "jsmith", r.Author)
}

func TestParse_CamelCaseRelationsCanonicalizedToSnakeCase(t *testing.T) {
	text := "---\nid: x\ntitle: T\ntype: policy\nstatus: draft\nauthor: a\ncreated: 2026-01-01T00:00:00Z\nupdated: 2026-01-01T00:00:00Z\nlinkedRecords:\n  - other-1\n---\n\nbody"

	r, err := Parse(text, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"other-1"}, r.LinkedRecords)
}

func TestSerialize_EmptyAuthorsSequenceEmitsNoAuthorsField(t *testing.T) {
	r := sampleRecord()
	r.Authors = nil

	text, err := Serialize(r)
	require.NoError(t, err)
	assert.NotContains(t, text, "authors:")
}

func TestSerialize_WorkflowStateNeverWrittenToHeader(t *testing.T) {
	r := sampleRecord()
	r.WorkflowState = "pending-review"

	text, err := Serialize(r)
	require.NoError(t, err)
	assert.NotContains(t, text, "workflow_state")
	assert.NotContains(t, text, "pending-review")
}
