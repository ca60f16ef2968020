package llm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type analysisShape struct {
	ProjectType      string   `json:"project_type"`
	RelevantSections []string `json:"relevant_sections"`
}

type questionShape struct {
	Question string `json:"question"`
	BasedOn  string `json:"based_on"`
}

func TestFences(t *testing.T) {
	text := "Intro\n```markdown\n# Title\n\nBody\n```\nmiddle\n```json\n{\"a\": 1}\n```\n```\nplain\n```"

	fences := Fences(text)
	require.Len(t, fences, 3)

	assert.Equal(t, "markdown", fences[0].Lang)
	assert.Equal(t, "# Title\n\nBody", fences[0].Body)
	assert.Equal(t, "json", fences[1].Lang)
	assert.Equal(t, `{"a": 1}`, fences[1].Body)
	assert.Equal(t, "", fences[2].Lang)
	assert.Equal(t, "plain", fences[2].Body)

	assert.Equal(t, "```json\n{\"a\": 1}\n```", text[fences[1].Start:fences[1].End])
}

func TestFences_UnterminatedIgnored(t *testing.T) {
	assert.Empty(t, Fences("```json\n{\"a\": 1}"))
}

func TestFences_FenceInsideJSONString(t *testing.T) {
	text := "Edit:\n```json\n{\"new_text\": \"```go\\nx := 1\\n```\"}\n```\nDone."

	fences := Fences(text)
	require.Len(t, fences, 1)
	assert.Equal(t, "json", fences[0].Lang)
	assert.Equal(t, "{\"new_text\": \"```go\\nx := 1\\n```\"}", fences[0].Body)
	assert.Equal(t, "Edit:\n", text[:fences[0].Start])
	assert.Equal(t, "\nDone.", text[fences[0].End:])
}

func TestFences_Nested(t *testing.T) {
	text := "```markdown\n# Doc\n\n```bash\necho hi\n```\n\nEnd\n```\n```json\n[]\n```"

	fences := Fences(text)
	require.Len(t, fences, 2)
	assert.Equal(t, "markdown", fences[0].Lang)
	assert.Equal(t, "# Doc\n\n```bash\necho hi\n```\n\nEnd", fences[0].Body)
	assert.Equal(t, "json", fences[1].Lang)
	assert.Equal(t, "[]", fences[1].Body)
}

func TestFences_EmptyBlock(t *testing.T) {
	fences := Fences("```json\n```")
	require.Len(t, fences, 1)
	assert.Equal(t, "", fences[0].Body)
}

func TestExtractFenced(t *testing.T) {
	text := "```\nfirst\n```\n```JSON\n[1]\n```"

	body, ok := ExtractFenced(text, "json")
	require.True(t, ok)
	assert.Equal(t, "[1]", body)

	body, ok = ExtractFenced(text, "")
	require.True(t, ok)
	assert.Equal(t, "first", body)

	_, ok = ExtractFenced(text, "markdown")
	assert.False(t, ok)
}

func TestUnfence(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"json block preferred", "```\nnot this\n```\n```json\n{\"x\":1}\n```", `{"x":1}`},
		{"any block", "Here you go:\n```\n[]\n```", "[]"},
		{"inline fence", "```json{\"x\":1}```", `{"x":1}`},
		{"no block", "  {\"x\":1}\n", `{"x":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Unfence(tt.input))
		})
	}
}

func TestDecode_Object(t *testing.T) {
	raw := "```json\n{\"project_type\": \"Web Application\", \"relevant_sections\": [\"Purpose\"]}\n```"

	p := Decode[analysisShape](raw)
	require.True(t, p.OK, p.Err)
	assert.Equal(t, "Web Application", p.Value.ProjectType)
	assert.Equal(t, []string{"Purpose"}, p.Value.RelevantSections)
	assert.Equal(t, raw, p.Raw)
	assert.NoError(t, p.AsError())
}

func TestDecode_ArrayWithTrailingComma(t *testing.T) {
	raw := "[\n  {\"question\": \"Who hosts it?\", \"based_on\": \"hosting\"},\n]"

	p := Decode[[]questionShape](raw)
	require.True(t, p.OK, p.Err)
	require.Len(t, p.Value, 1)
	assert.Equal(t, "Who hosts it?", p.Value[0].Question)
}

func TestDecode_EmbeddedInProse(t *testing.T) {
	raw := "Sure! Here is the analysis: {\"project_type\": \"Mobile App\"} Let me know."

	p := Decode[analysisShape](raw)
	require.True(t, p.OK, p.Err)
	assert.Equal(t, "Mobile App", p.Value.ProjectType)
}

func TestDecode_Failure(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"whitespace", "  \n "},
		{"prose", "I could not determine the project type."},
		{"wrong shape", `{"question": "x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Decode[[]questionShape](tt.input)
			assert.False(t, p.OK)
			assert.Nil(t, p.Value)
			assert.Equal(t, tt.input, p.Raw)
			require.Error(t, p.Err)

			var malformed *MalformedOutputError
			require.ErrorAs(t, p.AsError(), &malformed)
			assert.Equal(t, tt.input, malformed.Raw)
		})
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantKey string
	}{
		{"plain JSON", `{"project_type": "API"}`, "project_type"},
		{"markdown code block", "```json\n{\"project_type\": \"API\"}\n```", "project_type"},
		{"block with trailing text", "```json\n{\"project_type\": \"API\"}\n```\n\n**Notes follow**", "project_type"},
		{
			"JS comments and trailing commas",
			"```json\n{\n  \"relevant_sections\": [\n    \"Purpose\",  // always\n    \"Assumptions\",  // always\n  ]\n}\n```",
			"relevant_sections",
		},
		{"URL in string not stripped", `{"url": "http://example.com/path"} // trailing`, "url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ExtractJSON(tt.input)
			require.NotEmpty(t, result)

			var parsed map[string]any
			require.NoError(t, json.Unmarshal([]byte(result), &parsed), result)
			assert.Contains(t, parsed, tt.wantKey)
		})
	}

	assert.Empty(t, ExtractJSON(""))
	assert.Empty(t, ExtractJSON("This is just text with no JSON."))
}

func TestExtractJSONArray(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantLen int
	}{
		{"plain array", `["one", "two"]`, 2},
		{"markdown code block array", "```json\n[\"one\", \"two\"]\n```", 2},
		{"array with comments", "```json\n[\n  \"one\",  // first\n  \"two\"   // second\n]\n```", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ExtractJSONArray(tt.input)
			require.NotEmpty(t, result)

			var parsed []any
			require.NoError(t, json.Unmarshal([]byte(result), &parsed), result)
			assert.Len(t, parsed, tt.wantLen)
		})
	}
}

func TestStripLineComment(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"no comment", `  "key": "value",`, `  "key": "value",`},
		{"trailing comment", `  "key": "value",  // a comment`, `  "key": "value",`},
		{"URL in string preserved", `  "url": "http://example.com",`, `  "url": "http://example.com",`},
		{"whole line comment", `  // This is a comment`, ``},
		{"escaped quote in string", `  "path": "a\"b//c",  // comment`, `  "path": "a\"b//c",`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, stripLineComment(tt.input))
		})
	}
}
