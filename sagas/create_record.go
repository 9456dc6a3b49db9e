package sagas

import (
	"context"
	"fmt"

	"civicrecords.dev/platform/record"
	"civicrecords.dev/platform/saga"
)

// CreateRecord builds the CreateRecord saga definition: insert the
// record row, write its file, commit, fire-and-forget index, and emit
// hooks.
func CreateRecord(d *Deps) saga.Definition {
	return saga.Definition{
		Type:    "create_record",
		Version: "1",
		Validate: func(values map[string]interface{}) error {
			if _, ok := values["record"].(*record.Record); !ok {
				return fmt.Errorf("context must carry a *record.Record under key \"record\"")
			}
			return nil
		},
		Steps: []saga.Step{
			{
				Name:            "CreateInRecords",
				IsCompensatable: true,
				Execute: func(ctx context.Context, sc *saga.Context) (interface{}, error) {
					r := sc.Get("record").(*record.Record)
					r.Path = canonicalPath(r)
					if err := d.Metadata.CreateRecord(ctx, r); err != nil {
						return nil, fmt.Errorf("insert record row: %w", err)
					}
					return r.ID, nil
				},
				Compensate: func(ctx context.Context, sc *saga.Context, result interface{}) error {
					id := result.(string)
					return d.Metadata.DeleteRecord(ctx, id)
				},
			},
			{
				Name:            "CreateFile",
				IsCompensatable: true,
				Execute: func(ctx context.Context, sc *saga.Context) (interface{}, error) {
					r := sc.Get("record").(*record.Record)
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
					r := sc.Get("record").(*record.Record)
					hash, err := d.Content.Commit(ctx, fmt.Sprintf("Create record: %s", r.Title), []string{r.Path})
					if err != nil {
						return nil, fmt.Errorf("commit created record: %w", err)
					}
					return hash, nil
				},
			},
			{
				Name:            "QueueIndexing",
				IsCompensatable: false,
				Execute: func(ctx context.Context, sc *saga.Context) (interface{}, error) {
					r := sc.Get("record").(*record.Record)
					indexSwallowed(ctx, d, r.Type)
					return nil, nil
				},
			},
			{
				Name:            "EmitHooks",
				IsCompensatable: true,
				Execute: func(ctx context.Context, sc *saga.Context) (interface{}, error) {
					r := sc.Get("record").(*record.Record)
					emitSwallowed(ctx, d, "record:created", map[string]interface{}{"id": r.ID, "type": r.Type})
					return r.ID, nil
				},
				Compensate: func(ctx context.Context, sc *saga.Context, result interface{}) error {
					id := result.(string)
					emitSwallowed(ctx, d, "record:created:reverted", map[string]interface{}{"id": id, "reason": "saga_compensation"})
					return nil
				},
			},
		},
	}
}
