package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidResponse is returned by Decode for replies that do not match the
// response schema.
var ErrInvalidResponse = errors.New("invalid agent response")

// Choice names the variant of a StructuredResponse.
type Choice string

const (
	ChoiceResponse        Choice = "response"
	ChoiceCode            Choice = "code"
	ChoiceTerminalCommand Choice = "terminalCommand"
)

// Reply is a plain conversational answer.
type Reply struct {
	Response       string
	Questions      []string
	MissingContext []string
}

// Code is a code suggestion.
type Code struct {
	Language    string
	Code        string
	Explanation string
}

// TerminalCommand is a shell command the agent wants to run.
type TerminalCommand struct {
	Command          string
	Reasoning        string
	RequiresApproval bool
}

// StructuredResponse is the agent's classified reply. Exactly one of the
// variant pointers is set, matching Choice.
type StructuredResponse struct {
	Choice          Choice
	Reply           *Reply
	Code            *Code
	TerminalCommand *TerminalCommand
}

// wireResponse is the flat JSON shape exchanged with the model and clients.
type wireResponse struct {
	Choice           Choice   `json:"choice"`
	Response         string   `json:"response,omitempty"`
	Questions        []string `json:"questions,omitempty"`
	MissingContext   []string `json:"missingContext,omitempty"`
	Language         string   `json:"language,omitempty"`
	Code             string   `json:"code,omitempty"`
	Explanation      string   `json:"explanation,omitempty"`
	TerminalCommand  string   `json:"terminalCommand,omitempty"`
	Reasoning        string   `json:"reasoning,omitempty"`
	RequiresApproval bool     `json:"requiresApproval,omitempty"`
}

// ResponseSchema is the strict JSON schema sent with every agent request.
var ResponseSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "choice": {"type": "string", "enum": ["response", "code", "terminalCommand"]},
    "response": {"type": "string"},
    "questions": {"type": "array", "items": {"type": "string"}},
    "missingContext": {"type": "array", "items": {"type": "string"}},
    "language": {"type": "string"},
    "code": {"type": "string"},
    "explanation": {"type": "string"},
    "terminalCommand": {"type": "string"},
    "reasoning": {"type": "string"},
    "requiresApproval": {"type": "boolean"}
  },
  "required": ["choice", "response", "questions", "missingContext", "language", "code", "explanation", "terminalCommand", "reasoning", "requiresApproval"],
  "additionalProperties": false
}`)

// Decode parses and validates a model reply.
func Decode(data []byte) (StructuredResponse, error) {
	var w wireResponse
	if err := json.Unmarshal(data, &w); err != nil {
		return StructuredResponse{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	r := StructuredResponse{Choice: w.Choice}
	switch w.Choice {
	case ChoiceResponse:
		r.Reply = &Reply{Response: w.Response, Questions: w.Questions, MissingContext: w.MissingContext}
	case ChoiceCode:
		if strings.TrimSpace(w.Code) == "" {
			return StructuredResponse{}, fmt.Errorf("%w: code choice without code", ErrInvalidResponse)
		}
		r.Code = &Code{Language: w.Language, Code: w.Code, Explanation: w.Explanation}
	case ChoiceTerminalCommand:
		if strings.TrimSpace(w.TerminalCommand) == "" {
			return StructuredResponse{}, fmt.Errorf("%w: terminalCommand choice without command", ErrInvalidResponse)
		}
		r.TerminalCommand = &TerminalCommand{
			Command:          strings.TrimSpace(w.TerminalCommand),
			Reasoning:        w.Reasoning,
			RequiresApproval: w.RequiresApproval,
		}
	default:
		return StructuredResponse{}, fmt.Errorf("%w: unknown choice %q", ErrInvalidResponse, w.Choice)
	}
	return r, nil
}

// Validate checks that exactly the variant named by Choice is set.
func (r StructuredResponse) Validate() error {
	set := 0
	for _, ok := range []bool{r.Reply != nil, r.Code != nil, r.TerminalCommand != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: %d variants set", ErrInvalidResponse, set)
	}
	switch r.Choice {
	case ChoiceResponse:
		if r.Reply == nil {
			return fmt.Errorf("%w: missing reply", ErrInvalidResponse)
		}
	case ChoiceCode:
		if r.Code == nil {
			return fmt.Errorf("%w: missing code", ErrInvalidResponse)
		}
	case ChoiceTerminalCommand:
		if r.TerminalCommand == nil {
			return fmt.Errorf("%w: missing terminal command", ErrInvalidResponse)
		}
	default:
		return fmt.Errorf("%w: unknown choice %q", ErrInvalidResponse, r.Choice)
	}
	return nil
}

// MarshalJSON writes the flat wire shape.
func (r StructuredResponse) MarshalJSON() ([]byte, error) {
	w := wireResponse{Choice: r.Choice}
	switch r.Choice {
	case ChoiceResponse:
		if r.Reply != nil {
			w.Response, w.Questions, w.MissingContext = r.Reply.Response, r.Reply.Questions, r.Reply.MissingContext
		}
	case ChoiceCode:
		if r.Code != nil {
			w.Language, w.Code, w.Explanation = r.Code.Language, r.Code.Code, r.Code.Explanation
		}
	case ChoiceTerminalCommand:
		if r.TerminalCommand != nil {
			w.TerminalCommand = r.TerminalCommand.Command
			w.Reasoning = r.TerminalCommand.Reasoning
			w.RequiresApproval = r.TerminalCommand.RequiresApproval
		}
	default:
		return nil, fmt.Errorf("%w: unknown choice %q", ErrInvalidResponse, r.Choice)
	}
	return json.Marshal(w)
}

// UnmarshalJSON accepts the wire shape through Decode.
func (r *StructuredResponse) UnmarshalJSON(data []byte) error {
	d, err := Decode(data)
	if err != nil {
		return err
	}
	*r = d
	return nil
}

// Text is the human-readable body of the response, used for previews.
func (r StructuredResponse) Text() string {
	switch r.Choice {
	case ChoiceResponse:
		if r.Reply != nil {
			return r.Reply.Response
		}
	case ChoiceCode:
		if r.Code != nil {
			return strings.TrimSpace(r.Code.Explanation + "\n" + r.Code.Code)
		}
	case ChoiceTerminalCommand:
		if r.TerminalCommand != nil {
			return r.TerminalCommand.Command
		}
	}
	return ""
}
