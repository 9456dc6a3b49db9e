package sagas

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"

	"civicrecords.dev/platform/record"
	"civicrecords.dev/platform/saga"
)

// archivePath computes archive/<type>/<year>/<id>.<ext> using the year
// carried in the original path when present, else the record's created
// timestamp.
func archivePath(r *record.Record) string {
	ext := "md"
	if dot := strings.LastIndex(path.Base(r.Path), "."); dot >= 0 {
		ext = path.Base(r.Path)[dot+1:]
	}

	year := r.Created.Year()
	for _, segment := range strings.Split(r.Path, "/") {
		if y, err := strconv.Atoi(segment); err == nil && y > 1900 && y < 3000 {
			year = y
			break
		}
	}

	return path.Join("archive", r.Type, strconv.Itoa(year), fmt.Sprintf("%s.%s", r.ID, ext))
}

// ArchiveRecord builds the ArchiveRecord saga definition: stamp archival
// status/metadata, move the file into the archive tree, commit,
// fire-and-forget index removal, emit hooks.
func ArchiveRecord(d *Deps) saga.Definition {
	return saga.Definition{
		Type:    "archive_record",
		Version: "1",
		Validate: func(values map[string]interface{}) error {
			if _, ok := values["recordId"].(string); !ok {
				return fmt.Errorf("context must carry \"recordId\"")
			}
			if v, ok := values["userId"].(string); !ok || v == "" {
				return fmt.Errorf("context must carry \"userId\"")
			}
			return nil
		},
		Steps: []saga.Step{
			{
				Name:            "UpdateStatusToArchived",
				IsCompensatable: true,
				Execute: func(ctx context.Context, sc *saga.Context) (interface{}, error) {
					id := sc.StringValue("recordId")
					original, err := d.Metadata.GetRecord(ctx, id)
					if err != nil {
						return nil, fmt.Errorf("load record %s: %w", id, err)
					}

					archived := original.Clone()
					archived.Status = "archived"
					if archived.Metadata == nil {
						archived.Metadata = map[string]interface{}{}
					}
					archived.Metadata["archived_at"] = d.clock().Now().Format("2006-01-02T15:04:05Z07:00")
					archived.Metadata["archived_by"] = sc.StringValue("userId")
					archived.Updated = d.clock().Now()

					if err := d.Metadata.UpdateRecord(ctx, archived); err != nil {
						return nil, fmt.Errorf("mark record archived: %w", err)
					}

					sc.Set("archived_record", archived)
					return original, nil
				},
				Compensate: func(ctx context.Context, sc *saga.Context, result interface{}) error {
					original := result.(*record.Record)
					return d.Metadata.UpdateRecord(ctx, original)
				},
			},
			{
				Name:            "MoveFileToArchive",
				IsCompensatable: true,
				Execute: func(ctx context.Context, sc *saga.Context) (interface{}, error) {
					archived := sc.Get("archived_record").(*record.Record)
					oldPath := archived.Path
					newPath := archivePath(archived)

					if err := d.Filesystem.Rename(ctx, oldPath, newPath); err != nil {
						return nil, fmt.Errorf("move %s to %s: %w", oldPath, newPath, err)
					}
					archived.Path = newPath
					return oldPath, nil
				},
				Compensate: func(ctx context.Context, sc *saga.Context, result interface{}) error {
					archived := sc.Get("archived_record").(*record.Record)
					oldPath := result.(string)
					if err := d.Filesystem.Rename(ctx, archived.Path, oldPath); err != nil {
						return err
					}
					archived.Path = oldPath
					return nil
				},
			},
			{
				Name:            "CommitToGit",
				IsCompensatable: false,
				Execute: func(ctx context.Context, sc *saga.Context) (interface{}, error) {
					archived := sc.Get("archived_record").(*record.Record)
					hash, err := d.Content.Commit(ctx, fmt.Sprintf("Archive record: %s", archived.Title), []string{archived.Path})
					if err != nil {
						return nil, fmt.Errorf("commit archival move: %w", err)
					}
					return hash, nil
				},
			},
			{
				Name:            "RemoveFromIndex",
				IsCompensatable: false,
				Execute: func(ctx context.Context, sc *saga.Context) (interface{}, error) {
					archived := sc.Get("archived_record").(*record.Record)
					if err := d.Search.RemoveRecordFromIndex(ctx, archived.ID, archived.Type); err != nil {
						d.log().WithError(err).WithField("id", archived.ID).Warn("search index removal failed")
					}
					return nil, nil
				},
			},
			{
				Name:            "EmitHooks",
				IsCompensatable: false,
				Execute: func(ctx context.Context, sc *saga.Context) (interface{}, error) {
					archived := sc.Get("archived_record").(*record.Record)
					emitSwallowed(ctx, d, "record:archived", map[string]interface{}{"id": archived.ID, "type": archived.Type})
					return nil, nil
				},
			},
		},
	}
}
