package document

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound indicates a referenced version or chain does not exist.
	ErrNotFound = errors.New("document: not found")
	// ErrInvalidReference indicates a supplied id does not parse as a valid
	// identifier.
	ErrInvalidReference = errors.New("document: invalid reference")
)

// ParseID validates that a raw identifier is a well-formed UUID.
func ParseID(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	parsed, err := uuid.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidReference, rawInput)
	}
	return parsed.String(), nil
}

// Version is one row of a version chain. Every version of "the same" document
// shares a logical key; the version with the maximum version number is current.
type Version struct {
	ID              string      `gorm:"column:id;primaryKey;size:36;not null"`
	Kind            Kind        `gorm:"column:kind;size:32;not null;index:idx_versions_project_kind,priority:2"`
	ProjectID       string      `gorm:"column:project_id;size:36;not null;index:idx_versions_project_kind,priority:1"`
	LogicalKey      string      `gorm:"column:logical_key;size:36;not null;uniqueIndex:idx_versions_chain_number,priority:1"`
	ParentKey       *string     `gorm:"column:parent_key;size:36;index:idx_versions_parent_key"`
	VersionNumber   int         `gorm:"column:version_number;not null;uniqueIndex:idx_versions_chain_number,priority:2"`
	VersionType     VersionType `gorm:"column:version_type;size:16;not null"`
	SourceVersionID *string     `gorm:"column:source_version_id;size:36"`
	OrderPosition   *int        `gorm:"column:order_position"`
	Title           string      `gorm:"column:title;size:512"`
	SeedText        string      `gorm:"column:seed_text;type:text"`
	NotesText       string      `gorm:"column:notes_text;type:text"`
	Content         string      `gorm:"column:content;type:text"`
	ContentBytes    int64       `gorm:"column:content_bytes;not null;default:0"`
	ModelName       string      `gorm:"column:model_name;size:190"`
	VersionLabel    string      `gorm:"column:version_label;size:512"`
	CreatedBy       string      `gorm:"column:created_by;size:190"`
	CreatedAt       time.Time   `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Version) TableName() string {
	return "document_versions"
}

// ContentField names an editable text field on a version.
type ContentField string

const (
	// FieldContent is the primary rendered content.
	FieldContent ContentField = "content"
	// FieldNotes is the free-form notes text.
	FieldNotes ContentField = "notes"
	// FieldSeed is the seed text the document was started from.
	FieldSeed ContentField = "seed"
	// FieldTitle is the display title.
	FieldTitle ContentField = "title"
)

// ErrUnknownField indicates an unrecognized content field name.
var ErrUnknownField = errors.New("document: unknown content field")

// ParseContentField validates a raw field name; empty input means the primary
// content field.
func ParseContentField(rawInput string) (ContentField, error) {
	switch ContentField(strings.ToLower(strings.TrimSpace(rawInput))) {
	case "", FieldContent:
		return FieldContent, nil
	case FieldNotes:
		return FieldNotes, nil
	case FieldSeed:
		return FieldSeed, nil
	case FieldTitle:
		return FieldTitle, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownField, rawInput)
	}
}

// FieldValue returns the current value of the named field.
func (v Version) FieldValue(field ContentField) string {
	switch field {
	case FieldNotes:
		return v.NotesText
	case FieldSeed:
		return v.SeedText
	case FieldTitle:
		return v.Title
	default:
		return v.Content
	}
}

// Fields carries per-field overrides for a derivation. A nil entry copies the
// source version's value.
type Fields struct {
	Title     *string
	SeedText  *string
	NotesText *string
	Content   *string
	ModelName *string
}

// Set assigns an override for the named field.
func (f *Fields) Set(field ContentField, value string) {
	switch field {
	case FieldNotes:
		f.NotesText = &value
	case FieldSeed:
		f.SeedText = &value
	case FieldTitle:
		f.Title = &value
	default:
		f.Content = &value
	}
}

// applyTo copies overrides onto the target version and recomputes the content
// byte counter from the final content.
func (f Fields) applyTo(version *Version) {
	if f.Title != nil {
		version.Title = *f.Title
	}
	if f.SeedText != nil {
		version.SeedText = *f.SeedText
	}
	if f.NotesText != nil {
		version.NotesText = *f.NotesText
	}
	if f.Content != nil {
		version.Content = *f.Content
	}
	if f.ModelName != nil {
		version.ModelName = *f.ModelName
	}
	version.ContentBytes = int64(len(version.Content))
}
