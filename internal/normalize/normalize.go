// Package normalize maps raw form responses and their current schema into
// ordered, human-labeled records. Rendering is total: a malformed answer
// degrades to a marker value so one bad field can never prevent the record
// as a whole from being delivered.
package normalize

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"formrelay/internal/types"
)

// Marker values substituted for answers that cannot be rendered.
const (
	// UnsupportedMarker replaces answers of a kind this version does not
	// know how to render.
	UnsupportedMarker = "[unsupported answer type]"

	// ErrorMarker replaces answers whose rendering failed.
	ErrorMarker = "[error processing answer]"
)

// fileNameSanitizer strips everything outside the allowed character set so
// uploaded file names are safe as link labels.
var fileNameSanitizer = regexp.MustCompile(`[^A-Za-z0-9-_.]`)

// Normalizer turns RawRecords into NormalizedRecords. FileURL builds the
// retrieval URL for an uploaded file identifier (the forms client provides
// it); Normalizer is otherwise stateless and safe for reuse across passes.
type Normalizer struct {
	fileURL func(fileID string) string
	logger  *slog.Logger
}

// New creates a Normalizer.
func New(fileURL func(fileID string) string, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{fileURL: fileURL, logger: logger}
}

// Normalize reshapes one raw record against the form's current schema.
//
// Field order follows the schema's question order; answers for questions no
// longer in the schema are appended afterwards (sorted by question ID) with
// a synthesized label, so no answer is ever dropped. Questions without an
// answer are omitted.
func (n *Normalizer) Normalize(raw types.RawRecord, schema types.SchemaIndex) types.NormalizedRecord {
	rec := types.NormalizedRecord{
		RecordID:      raw.RecordID,
		SubmittedDate: types.FormatSubmittedDate(raw.SubmittedAt),
	}

	answered := make(map[string]bool, len(raw.Answers))

	for _, item := range schema.Items {
		answer, ok := raw.Answers[item.QuestionID]
		if !ok {
			continue
		}
		answered[item.QuestionID] = true
		rec.Fields = append(rec.Fields, types.Field{
			Label: item.Title,
			Value: n.renderField(raw.RecordID, item.QuestionID, answer),
		})
	}

	// Answers the current schema no longer describes.
	var orphaned []string
	for questionID := range raw.Answers {
		if !answered[questionID] {
			orphaned = append(orphaned, questionID)
		}
	}
	sort.Strings(orphaned)
	for _, questionID := range orphaned {
		rec.Fields = append(rec.Fields, types.Field{
			Label: "Question " + questionID,
			Value: n.renderField(raw.RecordID, questionID, raw.Answers[questionID]),
		})
	}

	return rec
}

// renderField renders one answer, containing any failure to the field: a
// rendering error or panic is logged and replaced with ErrorMarker.
func (n *Normalizer) renderField(recordID, questionID string, answer types.Answer) (value types.FieldValue) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("panic rendering answer",
				"record_id", recordID,
				"question_id", questionID,
				"panic", r,
			)
			value = types.FieldValue{Text: ErrorMarker}
		}
	}()

	rendered, err := n.renderAnswer(answer)
	if err != nil {
		n.logger.Warn("failed to render answer",
			"record_id", recordID,
			"question_id", questionID,
			"kind", string(answer.Kind),
			"error", err,
		)
		return types.FieldValue{Text: ErrorMarker}
	}
	return rendered
}

// renderAnswer is the per-kind renderer, one branch per variant of the
// Answer union. Multi-valued answers join with ", ".
func (n *Normalizer) renderAnswer(answer types.Answer) (types.FieldValue, error) {
	switch answer.Kind {
	case types.AnswerText, types.AnswerChoice, types.AnswerScale:
		return types.FieldValue{Text: strings.Join(answer.Values, ", ")}, nil

	case types.AnswerDate:
		return types.FieldValue{Text: joinTimes(answer.Times, formatDate)}, nil

	case types.AnswerTime:
		return types.FieldValue{Text: joinTimes(answer.Times, formatClock)}, nil

	case types.AnswerFileUpload:
		return n.renderFiles(answer.Files)

	case "":
		return types.FieldValue{}, fmt.Errorf("answer has no kind")

	default:
		return types.FieldValue{Text: UnsupportedMarker}, nil
	}
}

// renderFiles maps uploaded files to sanitized display name -> retrieval
// URL. Name collisions after sanitization get a numeric suffix so no file
// link is lost.
func (n *Normalizer) renderFiles(files []types.FileUpload) (types.FieldValue, error) {
	out := make(map[string]string, len(files))
	for _, file := range files {
		if file.FileID == "" {
			return types.FieldValue{}, fmt.Errorf("file upload missing file id")
		}

		name := SanitizeFileName(file.FileName)
		if name == "" {
			name = file.FileID
		}
		if _, taken := out[name]; taken {
			for i := 2; ; i++ {
				candidate := fmt.Sprintf("%s.%d", name, i)
				if _, dup := out[candidate]; !dup {
					name = candidate
					break
				}
			}
		}
		out[name] = n.fileURL(file.FileID)
	}
	return types.FieldValue{Files: out}, nil
}

// SanitizeFileName strips any character outside [A-Za-z0-9-_.].
func SanitizeFileName(name string) string {
	return fileNameSanitizer.ReplaceAllString(name, "")
}

func joinTimes(times []time.Time, format func(time.Time) string) string {
	parts := make([]string, 0, len(times))
	for _, t := range times {
		parts = append(parts, format(t))
	}
	return strings.Join(parts, ", ")
}

// formatDate renders YYYY-M-D without zero padding.
func formatDate(t time.Time) string {
	return fmt.Sprintf("%d-%d-%d", t.Year(), int(t.Month()), t.Day())
}

// formatClock renders H:M:S without zero padding.
func formatClock(t time.Time) string {
	return fmt.Sprintf("%d:%d:%d", t.Hour(), t.Minute(), t.Second())
}
