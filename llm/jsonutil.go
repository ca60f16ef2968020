package llm

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

// Pre-compiled regex patterns for JSON extraction from LLM responses.
var (
	// jsonBlockPattern matches JSON inside markdown code blocks: ```json { ... } ```
	jsonBlockPattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*\\})\\s*```")
	// jsonObjectPattern matches any JSON object (greedy fallback).
	jsonObjectPattern = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
	// jsonArrayBlockPattern matches JSON arrays inside markdown code blocks.
	jsonArrayBlockPattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\[.*\\])\\s*```")
	// jsonArrayPattern matches any JSON array (greedy fallback).
	jsonArrayPattern = regexp.MustCompile(`(?s)\[[\s\S]*\]`)
	// trailingCommaPattern matches trailing commas before ] or }.
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
	// inlineFencePattern matches a block whose fences share lines with its
	// body; group 1 is the info string, group 2 the body.
	inlineFencePattern = regexp.MustCompile("(?s)```([A-Za-z0-9_+.-]*)[ \t]*\r?\n?(.*?)```")
	// fenceLinePattern matches a line that is only a fence and an optional info string.
	fenceLinePattern = regexp.MustCompile("^[ \t]*```([A-Za-z0-9_+.-]*)[ \t]*\r?$")
)

// Fence is one fenced code block found in model output.
type Fence struct {
	// Lang is the lower-cased info string ("json", "markdown", or "").
	Lang string
	// Body is the block interior without the fence lines.
	Body string
	// Start and End are byte offsets of the whole block, fences included.
	Start, End int
}

// Fences returns every fenced block in text, in order of appearance.
// Fences are recognized only on lines of their own, so a ``` inside a JSON
// string does not end a block. An opening fence with an info string inside
// a block nests until its matching bare fence. When no line-delimited block
// exists, blocks written inline ("```json{...}```") are returned instead.
// An unterminated trailing fence is ignored.
func Fences(text string) []Fence {
	if out := lineFences(text); len(out) > 0 {
		return out
	}
	matches := inlineFencePattern.FindAllStringSubmatchIndex(text, -1)
	out := make([]Fence, 0, len(matches))
	for _, m := range matches {
		out = append(out, Fence{
			Lang:  strings.ToLower(text[m[2]:m[3]]),
			Body:  strings.TrimRight(text[m[4]:m[5]], " \t\r\n"),
			Start: m[0],
			End:   m[1],
		})
	}
	return out
}

func lineFences(text string) []Fence {
	var (
		out       []Fence
		open      *Fence
		bodyStart int
		depth     int
	)
	for pos := 0; pos < len(text); {
		end := strings.IndexByte(text[pos:], '\n')
		next := len(text)
		if end < 0 {
			end = len(text)
		} else {
			end += pos
			next = end + 1
		}
		line := text[pos:end]

		m := fenceLinePattern.FindStringSubmatch(line)
		switch {
		case m == nil:
		case open == nil:
			open = &Fence{
				Lang:  strings.ToLower(m[1]),
				Start: pos + strings.Index(line, "```"),
			}
			bodyStart = next
		case m[1] != "":
			depth++
		case depth > 0:
			depth--
		default:
			open.Body = strings.TrimRight(text[bodyStart:pos], " \t\r\n")
			open.End = pos + strings.Index(line, "```") + 3
			out = append(out, *open)
			open = nil
		}
		pos = next
	}
	return out
}

// ExtractFenced returns the body of the first block tagged lang, or of the
// first block of any kind when lang is empty.
func ExtractFenced(text, lang string) (string, bool) {
	lang = strings.ToLower(lang)
	for _, f := range Fences(text) {
		if lang == "" || f.Lang == lang {
			return f.Body, true
		}
	}
	return "", false
}

// Unfence is the first stage of decoding structured output: the body of a
// json-tagged block, else of the first block of any kind, else the trimmed text.
func Unfence(text string) string {
	if body, ok := ExtractFenced(text, "json"); ok {
		return strings.TrimSpace(body)
	}
	if body, ok := ExtractFenced(text, ""); ok {
		return strings.TrimSpace(body)
	}
	return strings.TrimSpace(text)
}

// Parsed is the result of decoding model output into T. When OK is false
// Value is the zero value, Raw still holds the original text and Err says why.
type Parsed[T any] struct {
	Value T
	Raw   string
	OK    bool
	Err   error
}

// errNoJSON is reported when no JSON could be located at all.
var errNoJSON = errors.New("no JSON found in model output")

// Decode runs the two-stage parse over model output: Unfence, then a strict
// decode into T. If the strict decode fails, the first embedded object or
// array is tried after removing comments and trailing commas.
func Decode[T any](text string) Parsed[T] {
	result := Parsed[T]{Raw: text}

	candidate := Unfence(text)
	if candidate == "" {
		result.Err = errNoJSON
		return result
	}

	var v T
	err := json.Unmarshal([]byte(candidate), &v)
	if err == nil {
		result.Value, result.OK = v, true
		return result
	}
	result.Err = err

	for _, fallback := range []string{cleanJSON(candidate), ExtractJSON(text), ExtractJSONArray(text)} {
		if fallback == "" {
			continue
		}
		var fv T
		if json.Unmarshal([]byte(fallback), &fv) == nil {
			result.Value, result.OK, result.Err = fv, true, nil
			return result
		}
	}
	return result
}

// AsError converts a failed parse into a *MalformedOutputError. It returns
// nil when the parse succeeded.
func (p Parsed[T]) AsError() error {
	if p.OK {
		return nil
	}
	return &MalformedOutputError{Raw: p.Raw, Err: p.Err}
}

// ExtractJSON extracts a JSON object from an LLM response string.
// It handles markdown code blocks, JavaScript-style comments, and trailing commas.
func ExtractJSON(content string) string {
	raw := extractRawJSON(content)
	if raw == "" {
		return ""
	}
	return cleanJSON(raw)
}

// ExtractJSONArray extracts a JSON array from an LLM response string.
func ExtractJSONArray(content string) string {
	// Try markdown code block first
	if matches := jsonArrayBlockPattern.FindStringSubmatch(content); len(matches) > 1 {
		return cleanJSON(matches[1])
	}
	// Fallback to raw array
	if matches := jsonArrayPattern.FindString(content); matches != "" {
		return cleanJSON(matches)
	}
	return ""
}

// extractRawJSON extracts raw JSON content before cleaning.
func extractRawJSON(content string) string {
	// Try markdown code block first
	if matches := jsonBlockPattern.FindStringSubmatch(content); len(matches) > 1 {
		return matches[1]
	}
	// Fallback to raw JSON object
	if matches := jsonObjectPattern.FindString(content); matches != "" {
		return matches
	}
	return ""
}

// cleanJSON removes JavaScript-style comments and trailing commas from JSON.
// LLMs commonly produce these invalid JSON artifacts.
func cleanJSON(raw string) string {
	// Remove // comments that are NOT inside JSON string values.
	// Strategy: process line by line, only strip comments outside of strings.
	lines := strings.Split(raw, "\n")
	cleaned := make([]string, 0, len(lines))
	for _, line := range lines {
		cleaned = append(cleaned, stripLineComment(line))
	}
	result := strings.Join(cleaned, "\n")

	// Remove trailing commas before } or ]
	result = trailingCommaPattern.ReplaceAllString(result, "$1")

	return result
}

// stripLineComment removes a // comment from a JSON line, respecting string values.
// For example:
//
//	"path/to/file.js",          // This is a comment  → "path/to/file.js",
//	"url": "http://example.com" // comment             → "url": "http://example.com"
//	"url": "http://example.com"                        → "url": "http://example.com" (no change)
func stripLineComment(line string) string {
	// Fast path: no // at all
	if !strings.Contains(line, "//") {
		return line
	}

	// Walk the line character by character, tracking whether we're inside a string.
	inString := false
	escaped := false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if !inString && ch == '/' && i+1 < len(line) && line[i+1] == '/' {
			// Found a comment outside a string, strip from here
			trimmed := strings.TrimRight(line[:i], " \t")
			return trimmed
		}
	}
	return line
}
