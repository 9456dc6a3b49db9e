// Package sagas defines the four concrete saga definitions:
// CreateRecord, UpdateRecord, ArchiveRecord, and PublishDraft. Each
// composes contracts.MetadataStore/ContentRepository/Filesystem/
// SearchIndex/Subscriber with the serializer and schema packages,
// following the per-step compensability rules: git steps are never
// compensated, derived steps (indexing, hooks on non-create paths)
// swallow their own errors.
package sagas

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"civicrecords.dev/platform/contracts"
	"civicrecords.dev/platform/record"
	"civicrecords.dev/platform/saga"
	"civicrecords.dev/platform/schema"
	"civicrecords.dev/platform/serializer"
)

// Deps bundles the external collaborators every saga needs. Built once
// per process and shared across saga runs.
type Deps struct {
	Metadata   contracts.MetadataStore
	Content    contracts.ContentRepository
	Filesystem contracts.Filesystem
	Search     contracts.SearchIndex
	Subscriber contracts.Subscriber
	Schema     *schema.Validator
	Clock      contracts.Clock
	Log        *logrus.Entry
}

func (d *Deps) clock() contracts.Clock {
	if d.Clock == nil {
		return contracts.SystemClock{}
	}
	return d.Clock
}

func (d *Deps) log() *logrus.Entry {
	if d.Log == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return d.Log
}

// headerMap projects the record fields the schema validator actually
// checks into a plain map, since the validator works on decoded headers
// rather than record.Record values.
func headerMap(r *record.Record) map[string]interface{} {
	h := map[string]interface{}{
		"id":      r.ID,
		"title":   r.Title,
		"type":    r.Type,
		"status":  r.Status,
		"author":  r.Author,
		"created": r.Created.Format(time.RFC3339),
		"updated": r.Updated.Format(time.RFC3339),
	}
	for k, v := range r.Metadata {
		h[k] = v
	}
	return h
}

func validateRecord(v *schema.Validator, r *record.Record) error {
	result := v.Validate(headerMap(r), r.Type, schema.Options{})
	if !result.Valid {
		msgs := make([]string, 0, len(result.Errors))
		for _, d := range result.Errors {
			msgs = append(msgs, d.Message)
		}
		return fmt.Errorf("record validation failed: %s", strings.Join(msgs, "; "))
	}
	return nil
}

func writeRecordFile(ctx context.Context, d *Deps, r *record.Record) error {
	if err := validateRecord(d.Schema, r); err != nil {
		return err
	}
	text, err := serializer.Serialize(r)
	if err != nil {
		return fmt.Errorf("serialize record: %w", err)
	}
	if err := d.Filesystem.WriteFile(ctx, r.Path, []byte(text)); err != nil {
		return fmt.Errorf("write record file %s: %w", r.Path, err)
	}
	return nil
}

func emitSwallowed(ctx context.Context, d *Deps, event string, payload map[string]interface{}) {
	if err := d.Subscriber.Emit(ctx, event, payload); err != nil {
		d.log().WithError(err).WithField("event", event).Warn("subscriber emit failed")
	}
}

func indexSwallowed(ctx context.Context, d *Deps, recordType string) {
	if err := d.Search.GenerateIndexes(ctx, []string{recordType}, false); err != nil {
		d.log().WithError(err).WithField("record_type", recordType).Warn("search index generation failed")
	}
}

// canonicalPath computes the working-tree path for a newly created
// record: records/<type>/<year>/<id>.md when a year has been explicitly
// supplied for the record, else records/<type>/<id>.md.
func canonicalPath(r *record.Record) string {
	if r.Path != "" {
		return r.Path
	}
	ext := "md"
	if year, ok := explicitYear(r); ok {
		return path.Join("records", r.Type, strconv.Itoa(year), fmt.Sprintf("%s.%s", r.ID, ext))
	}
	return path.Join("records", r.Type, fmt.Sprintf("%s.%s", r.ID, ext))
}

// explicitYear reports the year a caller deliberately attached to a
// record (via a "year" or "fiscal_year" metadata value), as distinct
// from the record's created timestamp, which is not on its own grounds
// to file the record under a year segment.
func explicitYear(r *record.Record) (int, bool) {
	for _, key := range []string{"year", "fiscal_year"} {
		v, ok := r.Metadata[key]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case int:
			return t, true
		case string:
			if y, err := strconv.Atoi(t); err == nil {
				return y, true
			}
		}
	}
	return 0, false
}
