package sagas

import (
	"context"
	"fmt"

	"civicrecords.dev/platform/record"
	"civicrecords.dev/platform/saga"
)

// updateSnapshot pairs an original record with the text its file held
// before the update, so UpdateFile can restore exactly what was on disk.
type updateSnapshot struct {
	original     *record.Record
	originalText string
}

// UpdateRecord builds the UpdateRecord saga definition: capture and apply
// row updates, rewrite the file, commit, fire-and-forget reindex, emit
// hooks. Only the row and file steps are compensatable; the git commit
// and everything after it are not.
func UpdateRecord(d *Deps) saga.Definition {
	return saga.Definition{
		Type:    "update_record",
		Version: "1",
		Validate: func(values map[string]interface{}) error {
			if _, ok := values["updates"].(*record.Record); !ok {
				return fmt.Errorf("context must carry the updated *record.Record under key \"updates\"")
			}
			if _, ok := values["recordId"].(string); !ok {
				return fmt.Errorf("context must carry \"recordId\"")
			}
			return nil
		},
		Steps: []saga.Step{
			{
				Name:            "UpdateInRecords",
				IsCompensatable: true,
				Execute: func(ctx context.Context, sc *saga.Context) (interface{}, error) {
					id := sc.StringValue("recordId")
					original, err := d.Metadata.GetRecord(ctx, id)
					if err != nil {
						return nil, fmt.Errorf("load original record %s: %w", id, err)
					}

					updates := sc.Get("updates").(*record.Record)
					merged := original.Clone()
					applyFieldUpdates(merged, updates)
					merged.Updated = d.clock().Now()

					if err := d.Metadata.UpdateRecord(ctx, merged); err != nil {
						return nil, fmt.Errorf("update record row: %w", err)
					}

					sc.Set("merged_record", merged)
					return original, nil
				},
				Compensate: func(ctx context.Context, sc *saga.Context, result interface{}) error {
					original := result.(*record.Record)
					return d.Metadata.UpdateRecord(ctx, original)
				},
			},
			{
				Name:            "UpdateFile",
				IsCompensatable: true,
				Execute: func(ctx context.Context, sc *saga.Context) (interface{}, error) {
					merged := sc.Get("merged_record").(*record.Record)
					originalBytes, err := d.Filesystem.ReadFile(ctx, merged.Path)
					if err != nil {
						return nil, fmt.Errorf("read original file %s: %w", merged.Path, err)
					}
					if err := writeRecordFile(ctx, d, merged); err != nil {
						return nil, err
					}
					return updateSnapshot{originalText: string(originalBytes)}, nil
				},
				Compensate: func(ctx context.Context, sc *saga.Context, result interface{}) error {
					merged := sc.Get("merged_record").(*record.Record)
					snap := result.(updateSnapshot)
					return d.Filesystem.WriteFile(ctx, merged.Path, []byte(snap.originalText))
				},
			},
			{
				Name:            "CommitToGit",
				IsCompensatable: false,
				Execute: func(ctx context.Context, sc *saga.Context) (interface{}, error) {
					merged := sc.Get("merged_record").(*record.Record)
					hash, err := d.Content.Commit(ctx, fmt.Sprintf("Update record: %s", merged.Title), []string{merged.Path})
					if err != nil {
						return nil, fmt.Errorf("commit updated record: %w", err)
					}
					return hash, nil
				},
			},
			{
				Name:            "QueueReIndexing",
				IsCompensatable: false,
				Execute: func(ctx context.Context, sc *saga.Context) (interface{}, error) {
					merged := sc.Get("merged_record").(*record.Record)
					indexSwallowed(ctx, d, merged.Type)
					return nil, nil
				},
			},
			{
				Name:            "EmitHooks",
				IsCompensatable: false,
				Execute: func(ctx context.Context, sc *saga.Context) (interface{}, error) {
					merged := sc.Get("merged_record").(*record.Record)
					emitSwallowed(ctx, d, "record:updated", map[string]interface{}{"id": merged.ID, "type": merged.Type})
					return nil, nil
				},
			},
		},
	}
}

// applyFieldUpdates copies the non-zero fields of updates onto target,
// field by field, leaving fields updates leaves unset untouched.
func applyFieldUpdates(target, updates *record.Record) {
	if updates.Title != "" {
		target.Title = updates.Title
	}
	if updates.Status != "" {
		target.Status = updates.Status
	}
	if updates.Body != "" {
		target.Body = updates.Body
	}
	if updates.Metadata != nil {
		if target.Metadata == nil {
			target.Metadata = map[string]interface{}{}
		}
		for k, v := range updates.Metadata {
			target.Metadata[k] = v
		}
	}
	if len(updates.Authors) > 0 {
		target.Authors = updates.Authors
	}
	if updates.Geography != nil {
		target.Geography = updates.Geography
	}
	if len(updates.Attachments) > 0 {
		target.Attachments = updates.Attachments
	}
	if len(updates.LinkedRecords) > 0 {
		target.LinkedRecords = updates.LinkedRecords
	}
}
