// Package record defines the civic-record domain model: the in-memory
// shape every saga, the serializer, and the schema validator agree on.
package record

import "time"

// Author is one entry in a record's ordered author list.
type Author struct {
	Username string `json:"username" yaml:"username"`
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
}

// SourceInfo carries optional import provenance for a record.
type SourceInfo struct {
	Reference     string    `json:"reference" yaml:"reference"`
	OriginalTitle string    `json:"original_title,omitempty" yaml:"original_title,omitempty"`
	Filename      string    `json:"filename,omitempty" yaml:"filename,omitempty"`
	URL           string    `json:"url,omitempty" yaml:"url,omitempty"`
	SourceType    string    `json:"source_type,omitempty" yaml:"source_type,omitempty"`
	ImportedAt    time.Time `json:"imported_at,omitzero" yaml:"imported_at,omitempty"`
	Importer      string    `json:"importer,omitempty" yaml:"importer,omitempty"`
}

// CommitInfo links a record to the commit that last touched it.
type CommitInfo struct {
	CommitID  string `json:"commit_id" yaml:"commit_id"`
	Signature string `json:"signature,omitempty" yaml:"signature,omitempty"`
}

// GeoData is an optional geography value attached to a record.
type GeoData struct {
	Type        string    `json:"type,omitempty" yaml:"type,omitempty"`
	Coordinates []float64 `json:"coordinates,omitempty" yaml:"coordinates,omitempty"`
}

// Attachment describes a file attached to a record, stored alongside it
// in the working tree.
type Attachment struct {
	Path         string `json:"path" yaml:"path"`
	OriginalName string `json:"original_name,omitempty" yaml:"original_name,omitempty"`
	ContentType  string `json:"content_type,omitempty" yaml:"content_type,omitempty"`
	Size         int64  `json:"size,omitempty" yaml:"size,omitempty"`
}

// Record is a civic document. WorkflowState is persisted only in the
// metadata store and must never be written to the on-disk header.
type Record struct {
	ID            string                 `json:"id"`
	Title         string                 `json:"title"`
	Type          string                 `json:"type"`
	Status        string                 `json:"status"`
	WorkflowState string                 `json:"workflow_state,omitempty"`
	Body          string                 `json:"body"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	Author        string                 `json:"author"`
	Authors       []Author               `json:"authors,omitempty"`
	Created       time.Time              `json:"created"`
	Updated       time.Time              `json:"updated"`
	Source        *SourceInfo            `json:"source,omitempty"`
	Commit        *CommitInfo            `json:"commit,omitempty"`
	Path          string                 `json:"path"`
	Geography     *GeoData               `json:"geography,omitempty"`
	Attachments   []Attachment           `json:"attachments,omitempty"`
	LinkedRecords []string               `json:"linked_records,omitempty"`
	LinkedGeoFiles []string              `json:"linked_geo_files,omitempty"`
	SchemaVersion string                 `json:"schema_version,omitempty"`
}

// Clone returns a deep-enough copy for safe mutation by a saga step that
// needs to capture an original for compensation.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Metadata != nil {
		clone.Metadata = make(map[string]interface{}, len(r.Metadata))
		for k, v := range r.Metadata {
			clone.Metadata[k] = v
		}
	}
	if r.Authors != nil {
		clone.Authors = append([]Author(nil), r.Authors...)
	}
	if r.Attachments != nil {
		clone.Attachments = append([]Attachment(nil), r.Attachments...)
	}
	if r.LinkedRecords != nil {
		clone.LinkedRecords = append([]string(nil), r.LinkedRecords...)
	}
	if r.LinkedGeoFiles != nil {
		clone.LinkedGeoFiles = append([]string(nil), r.LinkedGeoFiles...)
	}
	if r.Source != nil {
		s := *r.Source
		clone.Source = &s
	}
	if r.Commit != nil {
		c := *r.Commit
		clone.Commit = &c
	}
	if r.Geography != nil {
		g := *r.Geography
		clone.Geography = &g
	}
	return &clone
}

// Draft is a pre-publication working copy held only in the metadata store.
type Draft struct {
	ID       string                 `json:"id"`
	Title    string                 `json:"title"`
	Type     string                 `json:"type"`
	Status   string                 `json:"status"`
	Body     string                 `json:"body"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Author   string                 `json:"author"`
	Created  time.Time              `json:"created"`
	Updated  time.Time              `json:"updated"`
}

// ToRecord converts a draft into the record it becomes on publish. Workflow
// state is cleared per the publish-draft contract.
func (d *Draft) ToRecord(path string) *Record {
	return &Record{
		ID:       d.ID,
		Title:    d.Title,
		Type:     d.Type,
		Status:   d.Status,
		Body:     d.Body,
		Metadata: d.Metadata,
		Author:   d.Author,
		Created:  d.Created,
		Updated:  d.Updated,
		Path:     path,
	}
}
