package project

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ChecklistType is the closed set of appraisal instruments.
type ChecklistType string

const (
	ChecklistAMSTAR2 ChecklistType = "AMSTAR2"
	ChecklistROB2    ChecklistType = "ROB2"
	ChecklistROBINSI ChecklistType = "ROBINS_I"
	defaultReviewers               = 2
)

// Schema describes one checklist type: which question keys exist, which
// answers each accepts and how many independent reviewers it needs.
type Schema struct {
	Type              ChecklistType
	Questions         []string
	Options           []string
	ReviewersRequired int
	score             func(answers map[string]string) string
}

var schemas = map[ChecklistType]Schema{
	ChecklistAMSTAR2: {
		Type:              ChecklistAMSTAR2,
		Questions:         numberedKeys("q", 16),
		Options:           []string{"yes", "partial_yes", "no", "no_meta_analysis"},
		ReviewersRequired: defaultReviewers,
		score:             scoreAMSTAR2,
	},
	ChecklistROB2: {
		Type: ChecklistROB2,
		Questions: []string{
			"d1_1", "d1_2", "d1_3",
			"d2_1", "d2_2", "d2_3", "d2_4", "d2_5", "d2_6", "d2_7",
			"d3_1", "d3_2", "d3_3", "d3_4",
			"d4_1", "d4_2", "d4_3", "d4_4", "d4_5",
			"d5_1", "d5_2", "d5_3",
			"overall",
		},
		Options:           []string{"yes", "probably_yes", "probably_no", "no", "no_information", "not_applicable", "low", "some_concerns", "high"},
		ReviewersRequired: defaultReviewers,
		score:             overallJudgement,
	},
	ChecklistROBINSI: {
		Type:              ChecklistROBINSI,
		Questions:         append(numberedKeys("d", 7), "overall"),
		Options:           []string{"low", "moderate", "serious", "critical", "no_information"},
		ReviewersRequired: 1,
		score:             overallJudgement,
	},
}

func numberedKeys(prefix string, count int) []string {
	keys := make([]string, 0, count)
	for i := 1; i <= count; i++ {
		keys = append(keys, fmt.Sprintf("%s%d", prefix, i))
	}
	return keys
}

// ParseChecklistType resolves a raw type name to its schema.
func ParseChecklistType(raw string) (Schema, error) {
	normalized := ChecklistType(strings.ToUpper(strings.TrimSpace(strings.ReplaceAll(raw, "-", "_"))))
	schema, ok := schemas[normalized]
	if !ok {
		return Schema{}, fmt.Errorf("%w: %q", ErrInvalidChecklistType, raw)
	}
	return schema, nil
}

// ChecklistTypes lists the registered types in stable order.
func ChecklistTypes() []ChecklistType {
	out := make([]ChecklistType, 0, len(schemas))
	for checklistType := range schemas {
		out = append(out, checklistType)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// HasQuestion reports whether key is part of the schema.
func (s Schema) HasQuestion(key string) bool {
	for _, question := range s.Questions {
		if question == key {
			return true
		}
	}
	return false
}

// ValidateAnswer checks an answer value against the schema's options. A JSON
// null clears the answer.
func (s Schema) ValidateAnswer(key string, value json.RawMessage) error {
	if !s.HasQuestion(key) {
		return fmt.Errorf("%w: %q for %s", ErrUnknownQuestion, key, s.Type)
	}
	if len(value) == 0 || !json.Valid(value) {
		return fmt.Errorf("%w: not json", ErrInvalidAnswer)
	}
	if string(value) == "null" {
		return nil
	}
	var option string
	if err := json.Unmarshal(value, &option); err != nil {
		return fmt.Errorf("%w: %s expects one of %v", ErrInvalidAnswer, key, s.Options)
	}
	for _, allowed := range s.Options {
		if option == allowed {
			return nil
		}
	}
	return fmt.Errorf("%w: %q not in %v", ErrInvalidAnswer, option, s.Options)
}

// Complete reports whether every question carries an answer.
func (s Schema) Complete(answers map[string]json.RawMessage) bool {
	for _, question := range s.Questions {
		value, ok := answers[question]
		if !ok || len(value) == 0 || string(value) == "null" {
			return false
		}
	}
	return true
}

// Score summarizes a checklist's answers into its overall rating. It returns
// "" when the answers do not yet determine one.
func (s Schema) Score(answers map[string]json.RawMessage) string {
	if s.score == nil {
		return ""
	}
	plain := make(map[string]string, len(answers))
	for key, raw := range answers {
		var option string
		if json.Unmarshal(raw, &option) == nil {
			plain[key] = option
		}
	}
	return s.score(plain)
}

var amstar2Critical = map[string]bool{"q2": true, "q4": true, "q7": true, "q9": true, "q11": true, "q13": true, "q15": true}

// scoreAMSTAR2 rates overall confidence from critical flaws and
// non-critical weaknesses.
func scoreAMSTAR2(answers map[string]string) string {
	criticalFlaws, weaknesses := 0, 0
	for _, question := range numberedKeys("q", 16) {
		answer, ok := answers[question]
		if !ok {
			return ""
		}
		if answer != "no" {
			continue
		}
		if amstar2Critical[question] {
			criticalFlaws++
		} else {
			weaknesses++
		}
	}
	switch {
	case criticalFlaws > 1:
		return "critically_low"
	case criticalFlaws == 1:
		return "low"
	case weaknesses > 1:
		return "moderate"
	default:
		return "high"
	}
}

func overallJudgement(answers map[string]string) string {
	return answers["overall"]
}
