package sagas

import (
	"context"
	"fmt"

	"civicrecords.dev/platform/record"
	"civicrecords.dev/platform/saga"
)

// PublishDraft builds the PublishDraft saga definition: move a draft into
// the records table (create or update), write its file, commit, delete
// the draft, fire-and-forget index, emit hooks. Per the failure-semantics
// note, an update onto a pre-existing record is not rolled back by
// MoveToRecords' compensation.
func PublishDraft(d *Deps) saga.Definition {
	return saga.Definition{
		Type:    "publish_draft",
		Version: "1",
		Validate: func(values map[string]interface{}) error {
			if _, ok := values["draftId"].(string); !ok {
				return fmt.Errorf("context must carry \"draftId\"")
			}
			return nil
		},
		Steps: []saga.Step{
			{
				Name:            "MoveToRecords",
				IsCompensatable: true,
				Execute: func(ctx context.Context, sc *saga.Context) (interface{}, error) {
					draftID := sc.StringValue("draftId")
					dr, err := d.Metadata.GetDraft(ctx, draftID)
					if err != nil {
						return nil, fmt.Errorf("load draft %s: %w", draftID, err)
					}

					existed, err := d.Metadata.RecordExists(ctx, dr.ID)
					if err != nil {
						return nil, fmt.Errorf("check record existence %s: %w", dr.ID, err)
					}

					var r *record.Record
					if existed {
						r, err = d.Metadata.GetRecord(ctx, dr.ID)
						if err != nil {
							return nil, fmt.Errorf("load existing record %s: %w", dr.ID, err)
						}
						r.Title, r.Body, r.Status, r.Metadata = dr.Title, dr.Body, dr.Status, dr.Metadata
						r.Updated = d.clock().Now()
						if err := d.Metadata.UpdateRecord(ctx, r); err != nil {
							return nil, fmt.Errorf("update record from draft %s: %w", dr.ID, err)
						}
					} else {
						r = dr.ToRecord("")
						r.Path = canonicalPath(r)
						if err := d.Metadata.CreateRecord(ctx, r); err != nil {
							return nil, fmt.Errorf("create record from draft %s: %w", dr.ID, err)
						}
					}

					sc.Set("published_record", r)
					sc.Set("record_preexisted", existed)
					return publishMoveResult{recordID: r.ID, created: !existed}, nil
				},
				Compensate: func(ctx context.Context, sc *saga.Context, result interface{}) error {
					move := result.(publishMoveResult)
					if !move.created {
						// Updates over an existing record are not rolled back.
						return nil
					}
					return d.Metadata.DeleteRecord(ctx, move.recordID)
				},
			},
			{
				Name:            "CreateOrUpdateFile",
				IsCompensatable: true,
				Execute: func(ctx context.Context, sc *saga.Context) (interface{}, error) {
					r := sc.Get("published_record").(*record.Record)
					if err := writeRecordFile(ctx, d, r); err != nil {
						return nil, err
					}
					return r.Path, nil
				},
				Compensate: func(ctx context.Context, sc *saga.Context, result interface{}) error {
					return d.Filesystem.Remove(ctx, result.(string))
				},
			},
			{
				Name:            "CommitToGit",
				IsCompensatable: false,
				Execute: func(ctx context.Context, sc *saga.Context) (interface{}, error) {
					r := sc.Get("published_record").(*record.Record)
					existed, _ := sc.Get("record_preexisted").(bool)
					msg := fmt.Sprintf("Publish draft: %s", r.Title)
					if existed {
						msg = fmt.Sprintf("Publish draft onto existing record: %s", r.Title)
					}
					hash, err := d.Content.Commit(ctx, msg, []string{r.Path})
					if err != nil {
						return nil, fmt.Errorf("commit published draft: %w", err)
					}
					return hash, nil
				},
			},
			{
				Name:            "DeleteDraft",
				IsCompensatable: true,
				Execute: func(ctx context.Context, sc *saga.Context) (interface{}, error) {
					draftID := sc.StringValue("draftId")
					if err := d.Metadata.DeleteDraft(ctx, draftID); err != nil {
						return nil, fmt.Errorf("delete draft %s: %w", draftID, err)
					}
					return draftID, nil
				},
				Compensate: func(ctx context.Context, sc *saga.Context, result interface{}) error {
					// The draft is not restorable; compensation is best-effort
					// logging only.
					d.log().WithField("draft_id", result.(string)).Warn("draft deleted during publish cannot be restored by compensation")
					return nil
				},
			},
			{
				Name:            "QueueIndexing",
				IsCompensatable: false,
				Execute: func(ctx context.Context, sc *saga.Context) (interface{}, error) {
					r := sc.Get("published_record").(*record.Record)
					indexSwallowed(ctx, d, r.Type)
					return nil, nil
				},
			},
			{
				Name:            "EmitHooks",
				IsCompensatable: false,
				Execute: func(ctx context.Context, sc *saga.Context) (interface{}, error) {
					r := sc.Get("published_record").(*record.Record)
					emitSwallowed(ctx, d, "record:published", map[string]interface{}{"id": r.ID, "type": r.Type})
					return nil, nil
				},
			},
		},
	}
}

type publishMoveResult struct {
	recordID string
	created  bool
}
