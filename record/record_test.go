package record

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecordClone_DeepCopiesMutableFields(t *testing.T) {
	r := &Record{
		ID:       "r1",
		Title:    "Open Data",
		Metadata: map[string]interface{}{"department": "clerk"},
		Authors:  []Author{{Username: "jdoe"}},
		Source:   &SourceInfo{Reference: "import-1"},
	}

	clone := r.Clone()
	clone.Metadata["department"] = "finance"
	clone.Authors[0].Username = "other"
	clone.Source.Reference = "import-2"

	assert.Equal(t, "clerk", r.Metadata["department"])
	assert.Equal(t, "jdoe", r.Authors[0].Username)
	assert.Equal(t, "import-1", r.Source.Reference)
}

func TestRecordClone_Nil(t *testing.T) {
	var r *Record
	assert.Nil(t, r.Clone())
}

func TestDraftToRecord_ClearsWorkflowState(t *testing.T) {
	now := time.Now()
	d := &Draft{
		ID:      "d1",
		Title:   "Draft title",
		Type:    "policy",
		Status:  "draft",
		Created: now,
		Updated: now,
	}

	r := d.ToRecord("records/policy/d1.md")

	assert.Equal(t, "d1", r.ID)
	assert.Empty(t, r.WorkflowState)
	assert.Equal(t, "records/policy/d1.md", r.Path)
}
