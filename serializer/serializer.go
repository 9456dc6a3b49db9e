// Package serializer implements the canonical on-disk record format: a
// structured header block bounded by "---" delimiter lines, a blank line,
// and a markdown body. It is the sole place that knows how a record value
// maps to text and back.
//
// Section ordering of the header is normative (see the fixed sequence
// below) and is reproduced by building an explicit yaml.Node document
// rather than marshaling a struct, since struct marshal cannot omit
// optional sections while still pinning the order of the ones present.
package serializer

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"civicrecords.dev/platform/record"
)

const delimiter = "---"

var requiredFields = []string{"id", "title", "type", "status", "author", "created", "updated"}

// classification keys pulled from Record.Metadata, in the section 4 order.
var classificationKeys = []string{"tags", "module", "slug", "version", "priority", "department"}

// type-specific keys pulled from Record.Metadata, in the section 7 order
// (geography is handled separately via record.Geography).
var typeSpecificKeys = []string{"category", "session_type", "date", "duration", "location", "attendees", "topics", "media"}

// ValidationError is raised when required header fields are missing.
type ValidationError struct {
	Missing []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("missing required header fields: %s", strings.Join(e.Missing, ", "))
}

// Serialize renders a record into its canonical on-disk text form.
func Serialize(r *record.Record) (string, error) {
	node := buildHeaderNode(r)

	out, err := yaml.Marshal(node)
	if err != nil {
		return "", fmt.Errorf("serialize header: %w", err)
	}

	header := strings.TrimRight(string(out), "\n")
	body := strings.TrimRight(r.Body, "\n")

	var b strings.Builder
	b.WriteString(delimiter)
	b.WriteString("\n")
	b.WriteString(header)
	b.WriteString("\n")
	b.WriteString(delimiter)
	b.WriteString("\n\n")
	b.WriteString(body)
	if body != "" {
		b.WriteString("\n")
	}
	return b.String(), nil
}

func buildHeaderNode(r *record.Record) *yaml.Node {
	doc := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}

	add := func(key string, value interface{}) {
		k := scalar(key)
		v := toValueNode(value)
		doc.Content = append(doc.Content, k, v)
	}

	// 1. core identification
	add("id", r.ID)
	add("title", r.Title)
	add("type", r.Type)
	add("status", r.Status)

	// 2. authorship
	add("author", r.Author)
	if len(r.Authors) > 0 {
		add("authors", r.Authors)
	}

	// 3. timestamps
	add("created", formatTime(r.Created))
	add("updated", formatTime(r.Updated))

	// 4. classification
	for _, key := range classificationKeys {
		if v, ok := r.Metadata[key]; ok {
			add(key, v)
		}
	}

	// 5. source
	if r.Source != nil {
		add("source", r.Source)
	}

	// 6. commit linkage
	if r.Commit != nil {
		add("commit", r.Commit)
	}

	// 7. type-specific
	if r.Geography != nil {
		add("geography", r.Geography)
	}
	for _, key := range typeSpecificKeys {
		if v, ok := r.Metadata[key]; ok {
			add(key, v)
		}
	}

	// 8. relationships
	if len(r.LinkedRecords) > 0 {
		add("linked_records", r.LinkedRecords)
	}
	if len(r.LinkedGeoFiles) > 0 {
		add("linked_geography_files", r.LinkedGeoFiles)
	}

	// 9. attachments
	if len(r.Attachments) > 0 {
		add("attachments", r.Attachments)
	}

	// unknown fields, stable order, after all recognized sections
	known := knownMetadataKeys()
	var unknownKeys []string
	for k := range r.Metadata {
		if !known[k] {
			unknownKeys = append(unknownKeys, k)
		}
	}
	sort.Strings(unknownKeys)
	for _, k := range unknownKeys {
		add(k, r.Metadata[k])
	}

	return doc
}

func knownMetadataKeys() map[string]bool {
	m := make(map[string]bool)
	for _, k := range classificationKeys {
		m[k] = true
	}
	for _, k := range typeSpecificKeys {
		m[k] = true
	}
	return m
}

func scalar(s string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: s}
}

func toValueNode(v interface{}) *yaml.Node {
	n := &yaml.Node{}
	if err := n.Encode(v); err != nil {
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: fmt.Sprintf("%v", v)}
	}
	return n
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// Parse decodes the canonical on-disk text form into a record. path is
// the on-disk relative path the record was read from (may be empty).
func Parse(text string, path string) (*record.Record, error) {
	header, body, err := split(text)
	if err != nil {
		return nil, err
	}

	raw := make(map[string]interface{})
	if strings.TrimSpace(header) != "" {
		if err := yaml.Unmarshal([]byte(header), &raw); err != nil {
			return nil, fmt.Errorf("parse header: %w", err)
		}
	}

	normalize(raw)

	r := &record.Record{
		Path:     path,
		Body:     strings.TrimRight(body, "\n"),
		Metadata: make(map[string]interface{}),
	}

	if v, ok := raw["id"].(string); ok {
		r.ID = v
	}
	if v, ok := raw["title"].(string); ok {
		r.Title = v
	}
	if v, ok := raw["type"].(string); ok {
		r.Type = v
	}
	if v, ok := raw["status"].(string); ok {
		r.Status = v
	}
	if v, ok := raw["author"].(string); ok {
		r.Author = v
	}
	if created, ok := raw["created"]; ok {
		r.Created = parseTime(created)
	}
	if updated, ok := raw["updated"]; ok {
		r.Updated = parseTime(updated)
	}
	if authors, ok := raw["authors"]; ok {
		r.Authors = decodeAuthors(authors)
	}
	if r.Author == "" {
		r.Author = deriveAuthor(r.Authors)
	}
	if src, ok := raw["source"]; ok {
		r.Source = decodeSource(src)
	}
	if commit, ok := raw["commit"]; ok {
		r.Commit = decodeCommit(commit)
	}
	if geo, ok := raw["geography"]; ok {
		r.Geography = decodeGeo(geo)
	}
	if lr, ok := raw["linked_records"]; ok {
		r.LinkedRecords = decodeStringSlice(lr)
	}
	if lg, ok := raw["linked_geography_files"]; ok {
		r.LinkedGeoFiles = decodeStringSlice(lg)
	}
	if at, ok := raw["attachments"]; ok {
		r.Attachments = decodeAttachments(at)
	}

	handled := map[string]bool{
		"id": true, "title": true, "type": true, "status": true, "author": true,
		"authors": true, "created": true, "updated": true, "source": true,
		"commit": true, "geography": true, "linked_records": true,
		"linked_geography_files": true, "attachments": true,
	}
	for k, v := range raw {
		if !handled[k] {
			r.Metadata[k] = v
		}
	}

	if err := checkRequired(r); err != nil {
		return nil, err
	}

	return r, nil
}

func checkRequired(r *record.Record) error {
	var missing []string
	if r.ID == "" {
		missing = append(missing, "id")
	}
	if r.Title == "" {
		missing = append(missing, "title")
	}
	if r.Type == "" {
		missing = append(missing, "type")
	}
	if r.Status == "" {
		missing = append(missing, "status")
	}
	if r.Author == "" {
		missing = append(missing, "author")
	}
	if r.Created.IsZero() {
		missing = append(missing, "created")
	}
	if r.Updated.IsZero() {
		missing = append(missing, "updated")
	}
	if len(missing) > 0 {
		return &ValidationError{Missing: missing}
	}
	return nil
}

func split(text string) (header, body string, err error) {
	lines := strings.Split(text, "\n")
	if len(lines) < 1 || strings.TrimSpace(lines[0]) != delimiter {
		return "", "", fmt.Errorf("missing opening %q delimiter", delimiter)
	}
	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == delimiter {
			end = i
			break
		}
	}
	if end == -1 {
		return "", "", fmt.Errorf("missing closing %q delimiter", delimiter)
	}
	header = strings.Join(lines[1:end], "\n")
	rest := lines[end+1:]
	// a single blank line separates header from body
	if len(rest) > 0 && strings.TrimSpace(rest[0]) == "" {
		rest = rest[1:]
	}
	body = strings.Join(rest, "\n")
	return header, body, nil
}

func parseTime(v interface{}) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed.UTC()
		}
		if parsed, err := time.Parse("2006-01-02", t); err == nil {
			return parsed.UTC()
		}
	}
	return time.Time{}
}

func decodeAuthors(v interface{}) []record.Author {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	var out []record.Author
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		a := record.Author{}
		if u, ok := m["username"].(string); ok {
			a.Username = u
		}
		if n, ok := m["name"].(string); ok {
			a.Name = n
		}
		out = append(out, a)
	}
	return out
}

func deriveAuthor(authors []record.Author) string {
	if len(authors) == 0 {
		return "unknown"
	}
	first := authors[0]
	if first.Username != "" {
		return first.Username
	}
	if first.Name != "" {
		return slugify(first.Name)
	}
	return "unknown"
}

func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	lastDash := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteRune('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

func decodeSource(v interface{}) *record.SourceInfo {
	switch t := v.(type) {
	case string:
		return &record.SourceInfo{Reference: t}
	case map[string]interface{}:
		s := &record.SourceInfo{}
		if r, ok := t["reference"].(string); ok {
			s.Reference = r
		}
		if r, ok := t["original_title"].(string); ok {
			s.OriginalTitle = r
		}
		if r, ok := t["filename"].(string); ok {
			s.Filename = r
		}
		if r, ok := t["url"].(string); ok {
			s.URL = r
		}
		if r, ok := t["source_type"].(string); ok {
			s.SourceType = r
		}
		if r, ok := t["importer"].(string); ok {
			s.Importer = r
		}
		if r, ok := t["imported_at"]; ok {
			s.ImportedAt = parseTime(r)
		}
		return s
	}
	return nil
}

func decodeCommit(v interface{}) *record.CommitInfo {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	c := &record.CommitInfo{}
	if id, ok := m["commit_id"].(string); ok {
		c.CommitID = id
	}
	if sig, ok := m["signature"].(string); ok {
		c.Signature = sig
	}
	return c
}

func decodeGeo(v interface{}) *record.GeoData {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	g := &record.GeoData{}
	if t, ok := m["type"].(string); ok {
		g.Type = t
	}
	if coords, ok := m["coordinates"].([]interface{}); ok {
		for _, c := range coords {
			if f, ok := c.(float64); ok {
				g.Coordinates = append(g.Coordinates, f)
			}
		}
	}
	return g
}

func decodeStringSlice(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	var out []string
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func decodeAttachments(v interface{}) []record.Attachment {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	var out []record.Attachment
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		a := record.Attachment{}
		if p, ok := m["path"].(string); ok {
			a.Path = p
		}
		if n, ok := m["original_name"].(string); ok {
			a.OriginalName = n
		}
		if c, ok := m["content_type"].(string); ok {
			a.ContentType = c
		}
		if s, ok := m["size"].(int); ok {
			a.Size = int64(s)
		}
		out = append(out, a)
	}
	return out
}

// normalize applies field-name canonicalization rules on read: accepts
// both snake_case and camelCase keys for relations/attachments/geography
// and canonicalizes to snake_case.
func normalize(raw map[string]interface{}) {
	rename := map[string]string{
		"linkedRecords":        "linked_records",
		"linkedGeographyFiles": "linked_geography_files",
		"geoData":              "geography",
		"sessionType":          "session_type",
	}
	for from, to := range rename {
		if v, ok := raw[from]; ok {
			if _, exists := raw[to]; !exists {
				raw[to] = v
			}
			delete(raw, from)
		}
	}
}
