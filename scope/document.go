// Package scope holds the scope document model and the versioned,
// file-backed store that persists it.
package scope

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Document is the persisted unit: one generated scope with its history.
type Document struct {
	// ID is derived from the project name and creation time and never changes.
	ID string `json:"id"`

	// ProjectName is the mutable display name.
	ProjectName string `json:"project_name"`

	// ProjectInfo is the input the scope was generated from.
	ProjectInfo ProjectInfo `json:"project_info"`

	// Scope is the live Markdown content.
	Scope string `json:"scope"`

	// DateCreated is set once by Store.Create.
	DateCreated time.Time `json:"date_created"`

	// VersionHistory holds prior states, oldest first. Append-only.
	VersionHistory []Snapshot `json:"version_history"`

	// RestorationNotes records each restore in plain language.
	RestorationNotes []string `json:"restoration_notes,omitempty"`
}

// Snapshot is a frozen copy of a document's name and scope.
type Snapshot struct {
	// Timestamp identifies the snapshot within its document.
	Timestamp   time.Time `json:"timestamp"`
	ProjectName string    `json:"project_name"`
	Scope       string    `json:"scope"`

	// IsRestorePoint marks a snapshot taken because a restore was about to
	// overwrite the live content; RestoredFrom names the snapshot restored.
	IsRestorePoint bool       `json:"is_restore_point,omitempty"`
	RestoredFrom   *time.Time `json:"restored_from,omitempty"`
}

// Patch carries the fields of an update. Nil fields are left unchanged.
type Patch struct {
	ProjectName *string      `json:"project_name,omitempty"`
	ProjectInfo *ProjectInfo `json:"project_info,omitempty"`
	Scope       *string      `json:"scope,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.ProjectName == nil && p.ProjectInfo == nil && p.Scope == nil
}

// Summary is the list view of a document.
type Summary struct {
	ID          string    `json:"id"`
	ProjectName string    `json:"project_name"`
	DateCreated time.Time `json:"date_created"`
	FileName    string    `json:"file_name"`
	Versions    int       `json:"versions"`
}

// Question is a clarifying question proposed by the model.
type Question struct {
	Question  string `json:"question"`
	WhyNeeded string `json:"why_needed"`
	Section   string `json:"section"`
	BasedOn   string `json:"based_on,omitempty"`
}

// QuestionAnswer pairs a question's text with the user's answer.
type QuestionAnswer struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Analysis is the structured result of the analysis phase.
type Analysis struct {
	ProjectType      string     `json:"project_type"`
	RelevantSections []string   `json:"relevant_sections"`
	InitialQuestions []Question `json:"initial_questions"`
}

// ProjectInfo is everything collected before generation.
//
// Answers is the canonical record of what the user said. Older clients sent
// answers as numeric string keys ("0", "1", ...) positionally matching
// InitialQuestions; UnmarshalJSON converts those into Answers once.
type ProjectInfo struct {
	Transcription    string           `json:"transcription,omitempty"`
	ProjectType      string           `json:"project_type,omitempty"`
	RelevantSections []string         `json:"relevant_sections,omitempty"`
	InitialQuestions []Question       `json:"initial_questions,omitempty"`
	Answers          []QuestionAnswer `json:"answers,omitempty"`
}

// UnmarshalJSON accepts both the explicit answers list and legacy numeric keys.
func (p *ProjectInfo) UnmarshalJSON(data []byte) error {
	type plain ProjectInfo
	var v plain
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	type indexed struct {
		index  int
		answer string
	}
	var legacy []indexed
	for key, msg := range raw {
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= len(v.InitialQuestions) {
			continue
		}
		var answer string
		if json.Unmarshal(msg, &answer) != nil {
			continue
		}
		legacy = append(legacy, indexed{idx, answer})
	}
	sort.Slice(legacy, func(i, j int) bool { return legacy[i].index < legacy[j].index })

	for _, l := range legacy {
		q := v.InitialQuestions[l.index].Question
		if q == "" || strings.TrimSpace(l.answer) == "" || hasAnswer(v.Answers, q) {
			continue
		}
		v.Answers = append(v.Answers, QuestionAnswer{Question: q, Answer: l.answer})
	}

	*p = ProjectInfo(v)
	return nil
}

func hasAnswer(answers []QuestionAnswer, question string) bool {
	for _, a := range answers {
		if a.Question == question {
			return true
		}
	}
	return false
}

// QuestionAnswers returns the answered pairs in order, dropping blank
// questions and blank answers.
func (p ProjectInfo) QuestionAnswers() []QuestionAnswer {
	out := make([]QuestionAnswer, 0, len(p.Answers))
	for _, a := range p.Answers {
		if strings.TrimSpace(a.Question) == "" || strings.TrimSpace(a.Answer) == "" {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Answer records an answer, replacing any earlier answer to the same question.
func (p *ProjectInfo) Answer(question, answer string) {
	for i := range p.Answers {
		if p.Answers[i].Question == question {
			p.Answers[i].Answer = answer
			return
		}
	}
	p.Answers = append(p.Answers, QuestionAnswer{Question: question, Answer: answer})
}

// ApplyAnalysis copies a parsed analysis into the project info.
func (p *ProjectInfo) ApplyAnalysis(a *Analysis) {
	if a == nil {
		return
	}
	p.ProjectType = a.ProjectType
	p.RelevantSections = a.RelevantSections
	p.InitialQuestions = a.InitialQuestions
}
