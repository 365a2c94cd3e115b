package ai

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/fairyhunter13/threatiq-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/threatiq-gateway/internal/domain"
)

// Shape is the top-level JSON shape expected in a model response.
type Shape int

const (
	ShapeObject Shape = iota
	ShapeArray
)

func (s Shape) String() string {
	if s == ShapeArray {
		return "array"
	}
	return "object"
}

func (s Shape) delims() (byte, byte) {
	if s == ShapeArray {
		return '[', ']'
	}
	return '{', '}'
}

// ExtractionOutcome tags how a record was obtained.
type ExtractionOutcome int

const (
	// Parsed means every field came from the model as-is.
	Parsed ExtractionOutcome = iota
	// Healed means at least one field was defaulted, inferred or clamped.
	Healed
	// Unrecoverable means no payload could be parsed and a sentinel record was returned.
	Unrecoverable
)

func (o ExtractionOutcome) String() string {
	switch o {
	case Parsed:
		return "parsed"
	case Healed:
		return "healed"
	default:
		return "unrecoverable"
	}
}

// MarshalText renders the outcome by name in JSON responses.
func (o ExtractionOutcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// ExtractionResult is a well-formed record plus how it was produced.
type ExtractionResult[T any] struct {
	Record          T
	Outcome         ExtractionOutcome
	AppliedDefaults []string
}

const (
	DefaultExplanation = "Analysis completed."
	ParseErrorTag      = "json_parse_error"
	ParseErrorMessage  = "Unable to parse classification result."
	DefaultReasonTag   = "analysis_completed"

	EvaluationCorrect   = "correct"
	EvaluationIncorrect = "incorrect"
)

var defaultTips = map[string][]string{
	domain.LabelPhishing: {
		"Always verify the sender's email address carefully",
		"Hover over links before clicking to see the real URL",
		"Be suspicious of urgent language or threats",
	},
	domain.LabelSafe: {
		"Continue being cautious with unexpected messages",
		"Always verify sender identity when in doubt",
		"Keep your security awareness skills sharp",
	},
	domain.LabelUnclear: {
		"When in doubt, verify through official channels",
		"Don't click links in suspicious messages",
		"Contact the company directly using their official website",
	},
}

// DefaultTips returns the canned coaching tips for a label.
func DefaultTips(label string) []string {
	tips, ok := defaultTips[label]
	if !ok {
		tips = defaultTips[domain.LabelUnclear]
	}
	return append([]string(nil), tips...)
}

// SentinelClassification is returned when the response cannot be parsed at all.
func SentinelClassification() domain.ClassificationRecord {
	return domain.ClassificationRecord{
		Label:       domain.LabelUnclear,
		Confidence:  0.5,
		ReasonTags:  []string{ParseErrorTag},
		Explanation: ParseErrorMessage,
	}
}

// ResponseExtractor recovers typed records from raw model text. It never fails:
// malformed input degrades to a sentinel record.
type ResponseExtractor struct{}

// NewResponseExtractor creates a new response extractor.
func NewResponseExtractor() *ResponseExtractor {
	return &ResponseExtractor{}
}

// Extract recovers the JSON payload of the given shape. It returns
// map[string]any or []any with Parsed, or nil with Unrecoverable.
func (re *ResponseExtractor) Extract(raw string, shape Shape) (any, ExtractionOutcome) {
	_, v, ok := recoverPayload(raw, shape)
	if !ok {
		return nil, Unrecoverable
	}
	return v, Parsed
}

// recoverPayload runs the fence and slice stages and parses the result.
// It returns the sliced text alongside the decoded value.
func recoverPayload(raw string, shape Shape) (string, any, bool) {
	text := sliceShape(unfence(raw, shape), shape)
	if text == "" {
		return "", nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return text, nil, false
	}
	switch v.(type) {
	case map[string]any:
		if shape != ShapeObject {
			return text, nil, false
		}
	case []any:
		if shape != ShapeArray {
			return text, nil, false
		}
	default:
		return text, nil, false
	}
	return text, v, true
}

// unfence returns the first fenced segment with any language tag removed.
// Text without a fence, or whose first segment lacks the opening delimiter, is returned unchanged.
func unfence(raw string, shape Shape) string {
	const fence = "```"
	start := strings.Index(raw, fence)
	if start < 0 {
		return raw
	}
	seg := raw[start+len(fence):]
	if end := strings.Index(seg, fence); end >= 0 {
		seg = seg[:end]
	}
	seg = stripLanguageTag(seg)

	open, _ := shape.delims()
	if strings.IndexByte(seg, open) < 0 {
		return raw
	}
	return seg
}

func stripLanguageTag(seg string) string {
	s := strings.TrimLeft(seg, " \t")
	n := 0
	for n < len(s) && isTagChar(s[n]) {
		n++
	}
	if n == 0 {
		return seg
	}
	rest := s[n:]
	if rest == "" || rest[0] == '\n' || rest[0] == '\r' || rest[0] == ' ' || rest[0] == '\t' || rest[0] == '{' || rest[0] == '[' {
		return rest
	}
	return seg
}

func isTagChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '-' || c == '+'
}

// sliceShape cuts from the first opening to the last closing delimiter.
func sliceShape(text string, shape Shape) string {
	open, closing := shape.delims()
	start := strings.IndexByte(text, open)
	end := strings.LastIndexByte(text, closing)
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

// healer accumulates the names of fields that were defaulted.
type healer struct {
	applied []string
}

func (h *healer) mark(field string) { h.applied = append(h.applied, field) }

func (h *healer) outcome() ExtractionOutcome {
	if len(h.applied) > 0 {
		return Healed
	}
	return Parsed
}

// ExtractClassification recovers a ClassificationRecord. The label is always valid
// and the confidence always within [0,1].
func (re *ResponseExtractor) ExtractClassification(raw string) ExtractionResult[domain.ClassificationRecord] {
	text, v, ok := recoverPayload(raw, ShapeObject)
	if !ok {
		observability.RecordExtraction("classification", Unrecoverable.String())
		return ExtractionResult[domain.ClassificationRecord]{
			Record:          SentinelClassification(),
			Outcome:         Unrecoverable,
			AppliedDefaults: []string{"label", "confidence", "reason_tags", "explanation"},
		}
	}
	obj := v.(map[string]any)
	h := &healer{}

	label, ok := labelField(obj, "label")
	if !ok {
		label = inferLabel(text)
		h.mark("label")
	}

	conf, ok := numberField(obj, "confidence")
	if !ok {
		conf = defaultConfidence(label)
		h.mark("confidence")
	} else if c := clamp01(conf); c != conf {
		conf = c
		h.mark("confidence")
	}

	tags, ok := stringsField(obj, "reason_tags")
	if !ok {
		tags = []string{DefaultReasonTag}
		h.mark("reason_tags")
	}

	expl, ok := stringField(obj, "explanation")
	if !ok {
		expl = DefaultExplanation
		h.mark("explanation")
	}

	out := h.outcome()
	observability.RecordExtraction("classification", out.String())
	return ExtractionResult[domain.ClassificationRecord]{
		Record: domain.ClassificationRecord{
			Label:       label,
			Confidence:  conf,
			ReasonTags:  tags,
			Explanation: expl,
		},
		Outcome:         out,
		AppliedDefaults: h.applied,
	}
}

// ExtractCoaching recovers a CoachingRecord, filling gaps from the classification
// that prompted it.
func (re *ResponseExtractor) ExtractCoaching(raw string, fallback domain.ClassificationRecord) ExtractionResult[domain.CoachingRecord] {
	fbLabel := strings.ToLower(strings.TrimSpace(fallback.Label))
	if !domain.ValidLabel(fbLabel) {
		fbLabel = domain.LabelUnclear
	}
	fbExpl := strings.TrimSpace(fallback.Explanation)
	if fbExpl == "" {
		fbExpl = DefaultExplanation
	}

	_, v, ok := recoverPayload(raw, ShapeObject)
	if !ok {
		observability.RecordExtraction("coaching", Unrecoverable.String())
		return ExtractionResult[domain.CoachingRecord]{
			Record: domain.CoachingRecord{
				Verdict:     fbLabel,
				Explanation: fbExpl,
				Tips:        DefaultTips(fbLabel),
			},
			Outcome:         Unrecoverable,
			AppliedDefaults: []string{"verdict", "explanation", "tips"},
		}
	}
	obj := v.(map[string]any)
	h := &healer{}

	verdict, ok := labelField(obj, "verdict")
	if !ok {
		verdict = fbLabel
		h.mark("verdict")
	}

	expl, ok := stringField(obj, "explanation")
	if !ok {
		expl = fbExpl
		h.mark("explanation")
	}

	tips, ok := stringsField(obj, "tips")
	if !ok || len(tips) == 0 {
		tips = DefaultTips(verdict)
		h.mark("tips")
	}

	var quiz *domain.Quiz
	if rawQuiz, present := obj["quiz"]; present && rawQuiz != nil {
		if q, valid := quizValue(rawQuiz); valid {
			quiz = q
		} else {
			h.mark("quiz")
		}
	}

	out := h.outcome()
	observability.RecordExtraction("coaching", out.String())
	return ExtractionResult[domain.CoachingRecord]{
		Record: domain.CoachingRecord{
			Verdict:     verdict,
			Explanation: expl,
			Tips:        tips,
			Quiz:        quiz,
		},
		Outcome:         out,
		AppliedDefaults: h.applied,
	}
}

// ExtractEvaluations recovers a batch evaluation array. Non-object items are dropped.
// AppliedDefaults entries are indexed by the item's position in the returned slice.
func (re *ResponseExtractor) ExtractEvaluations(raw string) ExtractionResult[[]domain.EvaluationRecord] {
	_, v, ok := recoverPayload(raw, ShapeArray)
	if !ok {
		observability.RecordExtraction("evaluation", Unrecoverable.String())
		return ExtractionResult[[]domain.EvaluationRecord]{
			Record:  []domain.EvaluationRecord{},
			Outcome: Unrecoverable,
		}
	}
	h := &healer{}
	items := v.([]any)
	out := make([]domain.EvaluationRecord, 0, len(items))
	for _, it := range items {
		obj, isObj := it.(map[string]any)
		if !isObj {
			h.mark("items")
			continue
		}
		out = append(out, healEvaluation(obj, len(out), h))
	}

	oc := h.outcome()
	observability.RecordExtraction("evaluation", oc.String())
	return ExtractionResult[[]domain.EvaluationRecord]{
		Record:          out,
		Outcome:         oc,
		AppliedDefaults: h.applied,
	}
}

func healEvaluation(obj map[string]any, idx int, h *healer) domain.EvaluationRecord {
	field := func(name string) string { return fmt.Sprintf("[%d].%s", idx, name) }
	var rec domain.EvaluationRecord

	rec.InteractionID, _ = idField(obj, "interaction_id")

	label, ok := labelField(obj, "system_label")
	if !ok {
		label = domain.LabelUnclear
		h.mark(field("system_label"))
	}
	rec.SystemLabel = label

	conf, ok := numberField(obj, "system_confidence")
	if !ok {
		conf = defaultConfidence(label)
		h.mark(field("system_confidence"))
	} else if c := clamp01(conf); c != conf {
		conf = c
		h.mark(field("system_confidence"))
	}
	rec.SystemConfidence = conf

	ev, _ := stringField(obj, "evaluation")
	switch ev = strings.ToLower(ev); ev {
	case EvaluationCorrect, EvaluationIncorrect:
		rec.Evaluation = ev
	default:
		h.mark(field("evaluation"))
	}

	corrected, ok := labelField(obj, "corrected_label")
	if !ok {
		// a correct verdict implies the system label stands
		corrected = label
		if rec.Evaluation != EvaluationCorrect {
			corrected = domain.LabelUnclear
		}
		if _, present := obj["corrected_label"]; present || rec.Evaluation != EvaluationCorrect {
			h.mark(field("corrected_label"))
		}
	}
	rec.CorrectedLabel = corrected

	rec.Comment, _ = stringField(obj, "comment")
	return rec
}

// inferLabel guesses a label from keywords in the response text.
func inferLabel(text string) string {
	t := strings.ToLower(text)
	switch {
	case strings.Contains(t, "phishing"), strings.Contains(t, "scam"):
		return domain.LabelPhishing
	case strings.Contains(t, "safe"), strings.Contains(t, "legitimate"):
		return domain.LabelSafe
	}
	return domain.LabelUnclear
}

func defaultConfidence(label string) float64 {
	if label == domain.LabelUnclear {
		return 0.5
	}
	return 0.7
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// labelField reads a valid, case-insensitive label.
func labelField(obj map[string]any, key string) (string, bool) {
	s, ok := obj[key].(string)
	if !ok {
		return "", false
	}
	s = strings.ToLower(strings.TrimSpace(s))
	if !domain.ValidLabel(s) {
		return "", false
	}
	return s, true
}

// numberField accepts JSON numbers and numeric strings. NaN and infinities count as absent.
func numberField(obj map[string]any, key string) (float64, bool) {
	var f float64
	switch v := obj[key].(type) {
	case float64:
		f = v
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func stringField(obj map[string]any, key string) (string, bool) {
	s, ok := obj[key].(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}

// idField reads a string or numeric identifier.
func idField(obj map[string]any, key string) (string, bool) {
	switch v := obj[key].(type) {
	case string:
		return v, v != ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	}
	return "", false
}

// stringsField reads a list, keeping non-blank string items. Non-lists count as absent.
func stringsField(obj map[string]any, key string) ([]string, bool) {
	list, ok := obj[key].([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(list))
	for _, it := range list {
		if s, isStr := it.(string); isStr && strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out, true
}

// quizValue accepts a quiz only with a question, exactly four options and an answer among them.
func quizValue(v any) (*domain.Quiz, bool) {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	q, ok := stringField(obj, "question")
	if !ok {
		return nil, false
	}
	opts, ok := stringsField(obj, "options")
	if !ok || len(opts) != 4 {
		return nil, false
	}
	ans, ok := stringField(obj, "correct_answer")
	if !ok {
		return nil, false
	}
	for _, o := range opts {
		if o == ans {
			return &domain.Quiz{Question: q, Options: opts, CorrectAnswer: ans}, true
		}
	}
	return nil, false
}
