// Package types defines the shared domain model for the formrelay service:
// configured sources, raw form responses, normalized records, and the
// composed message payloads handed to the forum sink. It has no dependencies
// on other internal packages so every layer can import it freely.
package types

import (
	"fmt"
	"time"
)

// Source is one external form being monitored. Sources are static
// configuration: loaded once at startup and immutable thereafter.
type Source struct {
	// FormID is the identifier of the form at the source API.
	FormID string `json:"form_id"`

	// Destination describes where delivered responses are posted.
	Destination DestinationMapping `json:"destination"`
}

// DestinationMapping describes the forum destination for one source.
type DestinationMapping struct {
	// ChannelID is the forum channel that receives one thread per response.
	ChannelID string `json:"channel_id"`

	// DisplayName is an optional human-readable name used in logs.
	DisplayName string `json:"display_name,omitempty"`

	// Tag, when set, is applied to every thread created for this source.
	// The tag is created in the channel if it does not already exist.
	Tag string `json:"tag,omitempty"`

	// ReferenceURL is an optional link to an external tracking page for
	// this source (e.g. a review board). When the deployment requires
	// reference URLs, delivery for a source without one fails cleanly
	// before any sink call is made.
	ReferenceURL string `json:"reference_url,omitempty"`
}

// AnswerKind discriminates the variants of an Answer.
type AnswerKind string

const (
	AnswerText       AnswerKind = "text"
	AnswerChoice     AnswerKind = "choice"
	AnswerScale      AnswerKind = "scale"
	AnswerDate       AnswerKind = "date"
	AnswerTime       AnswerKind = "time"
	AnswerFileUpload AnswerKind = "file_upload"
)

// FileUpload is a single uploaded file referenced by an answer.
type FileUpload struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
}

// Answer is a tagged union over the supported answer kinds. Exactly one of
// the value fields is meaningful for a given Kind:
//
//	text/choice/scale -> Values
//	date/time         -> Times
//	file_upload       -> Files
//
// Kinds not listed above (including future additions at the source API) are
// preserved as-is and rendered with an "unsupported" marker downstream.
type Answer struct {
	Kind   AnswerKind   `json:"kind"`
	Values []string     `json:"values,omitempty"`
	Times  []time.Time  `json:"times,omitempty"`
	Files  []FileUpload `json:"files,omitempty"`
}

// RawRecord is one form response exactly as provided by the source API.
// Immutable once fetched; it is discarded after normalization.
type RawRecord struct {
	// RecordID is unique per source and is the sole identity used for
	// delivery reconciliation. Submission timestamps are never used for
	// identity because two responses may share one.
	RecordID    string            `json:"record_id"`
	SubmittedAt time.Time         `json:"submitted_at"`
	Answers     map[string]Answer `json:"answers"` // questionID -> Answer
}

// SchemaItem is one question of a form definition, in form order.
type SchemaItem struct {
	QuestionID string `json:"question_id"`
	Title      string `json:"title"`
}

// SchemaIndex is the current form definition reduced to what display needs:
// the ordered question list and a questionID -> title lookup. It is rebuilt
// on every reconciliation pass because the form may change between polls.
type SchemaIndex struct {
	Items []SchemaItem
}

// NewSchemaIndex builds a SchemaIndex from ordered schema items.
func NewSchemaIndex(items []SchemaItem) SchemaIndex {
	return SchemaIndex{Items: items}
}

// Title returns the display title for a question ID and whether the
// question is part of the current schema.
func (s SchemaIndex) Title(questionID string) (string, bool) {
	for _, item := range s.Items {
		if item.QuestionID == questionID {
			return item.Title, true
		}
	}
	return "", false
}

// FieldValue is the rendered value of one normalized field: either plain
// text, or a file name -> retrieval URL map for file-upload answers.
type FieldValue struct {
	Text  string
	Files map[string]string
}

// IsFiles reports whether the value is a file map rather than plain text.
func (v FieldValue) IsFiles() bool {
	return v.Files != nil
}

// Field is one labeled, rendered field of a normalized record.
type Field struct {
	Label string
	Value FieldValue
}

// NormalizedRecord is a form response reshaped into ordered, human-labeled
// fields. Field order follows the schema's question order, not the raw
// answer map. Created fresh per RawRecord and never mutated afterwards.
type NormalizedRecord struct {
	RecordID      string
	SubmittedDate string // YYYY-M-D, no zero padding
	Fields        []Field
}

// ActionLink is one link affordance attached to a delivered message.
type ActionLink struct {
	Label string
	URL   string
}

// MessagePayload is the fully composed, delivery-ready representation of
// one record. Produced once per NormalizedRecord and consumed exactly once
// by the sink.
type MessagePayload struct {
	// Title is the thread title, at most 100 characters after truncation.
	Title string

	// InitialBody is the first message of the thread.
	InitialBody string

	// OverflowSegments are body sections that did not fit the initial
	// message, in original order, each sent as a follow-up message.
	OverflowSegments []string

	// ActionGroups are ordered rows of link actions, at most five per row.
	// The first row carries navigation links (website, reference URL);
	// subsequent rows carry offer file links, winning offers first.
	ActionGroups [][]ActionLink
}

// FormatSubmittedDate renders a submission timestamp in the unpadded
// YYYY-M-D form used in ledger entries and thread titles.
func FormatSubmittedDate(t time.Time) string {
	return fmt.Sprintf("%d-%d-%d", t.Year(), int(t.Month()), t.Day())
}
