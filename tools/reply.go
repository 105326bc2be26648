package tools

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

// uuidPattern matches media asset ids that must never reach the user.
var uuidPattern = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)

// ScrubIDs replaces media asset ids in text with a neutral marker.
func ScrubIDs(text string) string {
	return uuidPattern.ReplaceAllString(text, "[video]")
}

type replyArgs struct {
	Text string `json:"text"`
}

// ReplyTool hands the final answer to the user. Its output is the text to stream.
type ReplyTool struct {
	BaseTool
}

// NewReplyTool creates the reply tool.
func NewReplyTool() *ReplyTool {
	return &ReplyTool{}
}

// Metadata returns tool metadata.
func (t *ReplyTool) Metadata() ToolMetadata {
	return ToolMetadata{
		Name:        NameReply,
		Description: "Answer the user and finish. Cite videos only by their refs in square brackets, e.g. [query:V3].",
		Parameters: []ToolParameter{
			{Name: "text", ParamType: "string", Description: "Reply text", Required: true},
		},
	}
}

// Execute returns the reply text with any media asset ids removed.
func (t *ReplyTool) Execute(ctx context.Context, args json.RawMessage) (ToolResult, error) {
	var a replyArgs
	if err := decodeArgs(args, &a); err != nil {
		return FailureResult(err), nil
	}
	text := strings.TrimSpace(a.Text)
	if text == "" {
		return FailureResult(errors.New("text is required")), nil
	}
	return SuccessResult(ScrubIDs(text)), nil
}

// Verify ReplyTool implements Tool
var _ Tool = (*ReplyTool)(nil)
