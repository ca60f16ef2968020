// Package prompts builds the message sequences sent to the model for each
// pipeline phase. Every function here is pure.
package prompts

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/c360studio/scopecraft/edit"
	"github.com/c360studio/scopecraft/llm"
	"github.com/c360studio/scopecraft/scope"
)

// MinAssumptions is the minimum number of numbered assumptions requested.
const MinAssumptions = 10

// ExcludedSections are produced outside the generated document and must
// never be requested from the model.
var ExcludedSections = []string{
	"Acceptance Criteria",
	"Delivery Schedule",
	"Driving Factors",
	"Constraints",
}

// ExclusionNote is the only place the excluded section names appear in a prompt.
var ExclusionNote = "Do NOT write any of these sections; they are added separately: " +
	strings.Join(ExcludedSections, ", ") + "."

const analysisSystem = "You are a professional scope writer. Be conservative in your analysis and only ask for " +
	"information that is absolutely necessary. Do not make assumptions or ask speculative questions. " +
	"Return ONLY the JSON object without any markdown formatting or additional text."

const followUpSystem = "You are a professional scope writer. Be conservative and only ask for information that is " +
	"absolutely necessary. Do not make assumptions or ask speculative questions. Return ONLY the JSON array " +
	"without any markdown formatting or additional text. Return an empty array [] if no critical information is missing."

// Analysis builds the prompt that classifies the project and proposes the
// first clarifying questions.
func Analysis(projectName, transcription, guidance string) []llm.Message {
	var b strings.Builder
	b.WriteString(`Based on this project name and any provided transcription, analyze what type of project this is
and what specific information would be needed to create a comprehensive scope document.
Consider ONLY the information explicitly provided - do not make assumptions.

`)
	fmt.Fprintf(&b, "Project Name: %s\n\n", projectName)
	if strings.TrimSpace(transcription) != "" {
		fmt.Fprintf(&b, "Meeting Transcription:\n%s\n\n", transcription)
	}
	writeGuidance(&b, guidance)
	b.WriteString(`Important Guidelines:
1. Only ask questions about information that is ABSOLUTELY NECESSARY for the scope
2. Make the questions user-friendly (e.g. "What is the name of the project?" instead of "Who will be working on the project?")
3. Do not make assumptions about the project or ask questions based on assumptions
4. Do not ask about information that wasn't mentioned in the provided content
5. Focus only on core project requirements and critical information
6. If information is already provided, do not ask about it again

Return a JSON object with:
1. A brief analysis of the project type (based ONLY on provided information)
2. A list of sections that would be relevant for this specific project
3. Initial questions for ONLY the most critical missing information

Format the response as:
{
    "project_type": "Brief description using ONLY provided information",
    "relevant_sections": ["Section 1", "Section 2"],
    "initial_questions": [
        {
            "question": "Question about CRITICAL missing information only",
            "why_needed": "Why this information is ABSOLUTELY NECESSARY for the scope",
            "section": "Which section this information belongs to"
        }
    ]
}

Important: Return ONLY the JSON object, no markdown code blocks or additional text.`)

	return pair(analysisSystem, b.String())
}

// FollowUp builds the prompt asking whether critical information is still
// missing given everything collected so far.
func FollowUp(projectName string, info scope.ProjectInfo, guidance string) []llm.Message {
	current, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		current = []byte("{}")
	}

	var b strings.Builder
	b.WriteString(`Based ONLY on the information provided so far, determine if any CRITICAL information is still missing
to create a comprehensive scope document for this specific project.

`)
	fmt.Fprintf(&b, "Project Name: %s\n\nCurrent Information:\n%s\n\n", projectName, current)
	writeGuidance(&b, guidance)
	b.WriteString(`Important Guidelines:
1. Only ask follow-up questions if information is ABSOLUTELY NECESSARY for the scope
2. Do not make assumptions about the project or ask questions based on assumptions
3. Do not ask about information that wasn't mentioned in previous responses
4. If the provided information is sufficient, return an empty array
5. Do not ask speculative questions or questions about potential features/requirements
6. Only ask about concrete, essential information that is missing

Return ONLY a JSON array of critical follow-up questions, or an empty array if no more information is needed.
Do not include any markdown formatting or additional text.

Format:
[
    {
        "question": "Question about CRITICAL missing information only",
        "why_needed": "Why this information is ABSOLUTELY NECESSARY for the scope",
        "section": "Which section this information belongs to",
        "based_on": "What specific information from previous responses triggered this follow-up"
    }
]

If you have enough information to generate the scope, or if no CRITICAL information is missing, return an empty array: []`)

	return pair(followUpSystem, b.String())
}

// Document builds the single-call prompt for the final scope document.
func Document(projectName, transcription string, qa []scope.QuestionAnswer, guidance string) []llm.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Create a scope document for the project %q.\n\n", projectName)
	writeProjectDetails(&b, projectName, transcription, qa)
	writeGuidance(&b, guidance)
	fmt.Fprintf(&b, `REQUIRED STRUCTURE (exactly these sections, in this order):
1. Header: "# %[1]s" followed by a one-paragraph summary
2. "## Purpose": the business value of the project and what it must achieve
3. "## Requirements": hierarchical numbered requirements (1., 1.1, 1.1.1), grouped by functional area,
   each one specific and testable
4. "## Assumptions": at least %[2]d numbered assumptions specific to THIS project, each stating a
   potential point of misunderstanding in clear, unambiguous language

%[3]s

GUIDELINES:
1. The meeting transcription and answered questions are your PRIMARY sources - use ALL details from them
2. Never say "insufficient information" - use what is known
3. Use specific measurements and technical details when available
4. Use ## for sections, ### for subsections, numbered lists for requirements and assumptions

Return a single Markdown document and nothing else.`, projectName, MinAssumptions, ExclusionNote)

	return pair("You are a professional scope writer. You write precise, well-structured scope documents in Markdown.", b.String())
}

// Phase names, in the order their output is concatenated.
const (
	PhaseOverview     = "overview"
	PhaseRequirements = "requirements"
	PhaseAssumptions  = "assumptions"
)

// PhaseMessages is the prompt for one part of a phased generation.
type PhaseMessages struct {
	Phase    string
	Messages []llm.Message
}

// DocumentPhases builds the three independent prompts of the phased
// variant. The returned order is the order the outputs are joined in.
func DocumentPhases(projectName, transcription string, qa []scope.QuestionAnswer, guidance string) []PhaseMessages {
	var details strings.Builder
	writeProjectDetails(&details, projectName, transcription, qa)
	writeGuidance(&details, guidance)
	shared := details.String()

	overview := "You are a professional scope document creator. Create the initial sections of a comprehensive " +
		"scope document focusing ONLY on project overview, history, and purpose. Use the following information:\n\n" +
		shared + `REQUIRED SECTIONS:
1. Project Name and Overview (500+ words)
   - Project Background
   - Detailed Context and History
   - In-depth Overview of Goals and Objectives

2. Project Purpose (750+ words)
   - Detailed Business Value and Justification
   - Detailed Success Measures

CRITICAL GUIDELINES:
1. The meeting transcription and answered questions are your PRIMARY sources - use ALL details from them
2. Each section MUST meet the minimum word counts specified
3. Use specific measurements and technical details when available
4. Include direct quotes using > blockquotes
5. Never say "insufficient information" - use what's known or omit the section
6. Use professional, technical language throughout

FORMATTING:
1. Use # for the project name, ## for main section headers
2. Use ### for subsections
3. Use #### for sub-subsections
4. Use bullet points for lists
5. Use > for direct quotes
6. Use bold for emphasis on key points

` + ExclusionNote

	requirements := "Based on the available information, generate the requirements sections for this scope document. " +
		"Focus on what is KNOWN and create detailed sections only for aspects that have clear information.\n\n" +
		shared + `POTENTIAL SECTIONS (create ONLY those that have sufficient information, each as "## <name> Requirements"):
- Technical Requirements and Architecture
- User Interface Requirements
- Security Requirements
- Performance Requirements
- User Management
- Data Management
- Integration Requirements
- Testing Requirements
- Maintenance and Support
- Training Requirements
- Documentation Requirements

REQUIREMENTS FOR EACH SECTION:
1. Minimum 500 words per section
2. Include specific technical details and measurements
3. Break down into numbered, hierarchical requirements (1., 1.1, 1.1.1)
4. Include examples and scenarios

CRITICAL GUIDELINES:
1. Only create sections where you have concrete information
2. Include direct quotes from the transcription
3. Break down requirements into clear, testable items
4. Specify exact parameters and configurations

` + ExclusionNote

	assumptions := "Create a comprehensive list of critical assumptions for this project. These assumptions should " +
		"clearly state any potential points of misunderstanding or ambiguity that could affect project success.\n\n" +
		shared + fmt.Sprintf(`CRITICAL GUIDELINES:
1. Each assumption must be specific and testable
2. Focus on potential areas of misinterpretation
3. Include technical, business, and resource assumptions
4. Pay special attention to:
   - Technical compatibility
   - User expectations
   - Resource availability
   - Integration points and dependencies
   - Design and implementation flexibility
   - Client responsibilities and involvement
   - Maintenance and support expectations

FORMAT:
## Critical Assumptions and Clarifications

1. [Technical Assumption]: Clear statement about technical requirements
2. [Business Assumption]: Clear statement about business processes or expectations
3. [Resource Assumption]: Clear statement about resource availability
4. [Implementation Assumption]: Clear statement about development approach

Write at least %d numbered assumptions, minimum 500 words total for this section.

`, MinAssumptions) + ExclusionNote

	return []PhaseMessages{
		{Phase: PhaseOverview, Messages: pair("You are a professional scope writer focusing on project overview and purpose.", overview)},
		{Phase: PhaseRequirements, Messages: pair("You are a professional scope writer focusing on technical and functional requirements.", requirements)},
		{Phase: PhaseAssumptions, Messages: pair("You are a professional scope writer focusing on critical project assumptions.", assumptions)},
	}
}

// EditChat builds a chat turn about an existing document. The document is
// shown with line numbers so the model can address lines.
func EditChat(document string, history []llm.Message, userMessage string) []llm.Message {
	system := `You are a professional scope writer helping a user revise the scope document below.
Answer in plain prose. When you propose a concrete change, include exactly ONE fenced json block:

` + "```json" + `
{"start_line": 12, "end_line": 14, "new_text": "replacement lines"}
` + "```" + `

start_line and end_line are the 1-based, inclusive line numbers shown in the left margin.
new_text replaces those lines and must not contain line-number prefixes. Never propose more than
one block per reply. If no change is needed, do not include a json block.

CURRENT DOCUMENT:
` + edit.NumberLines(document)

	msgs := make([]llm.Message, 0, len(history)+2)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: system})
	for _, m := range history {
		if m.Role == llm.RoleSystem || strings.TrimSpace(m.Content) == "" {
			continue
		}
		msgs = append(msgs, m)
	}
	return append(msgs, llm.Message{Role: llm.RoleUser, Content: userMessage})
}

func writeProjectDetails(b *strings.Builder, projectName, transcription string, qa []scope.QuestionAnswer) {
	fmt.Fprintf(b, "PROJECT DETAILS:\nProject Name: %s\n\n", projectName)

	b.WriteString("Meeting Transcription:\n")
	if strings.TrimSpace(transcription) == "" {
		b.WriteString("No transcription provided")
	} else {
		b.WriteString(transcription)
	}
	b.WriteString("\n\nQuestions and Answers:\n")

	if len(qa) == 0 {
		b.WriteString("No additional information provided")
	}
	for i, pair := range qa {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(b, "Q: %s\nA: %s\n", pair.Question, pair.Answer)
	}
	b.WriteString("\n\n")
}

func writeGuidance(b *strings.Builder, guidance string) {
	if strings.TrimSpace(guidance) == "" {
		return
	}
	fmt.Fprintf(b, "CONTEXT AND EXAMPLES:\n%s\n\n", guidance)
}

func pair(system, user string) []llm.Message {
	return []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: user},
	}
}
