package engine

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Error codes attached to failed runs
const (
	CodeInvalidResultJSON   = "invalid_result_json"
	CodeInvalidResultSchema = "invalid_result_schema"
	CodeTaskFailed          = "task_failed"
	CodeTaskExecutionError  = "task_execution_error"
)

// ResultOutcome records how the gateway's reply was parsed
type ResultOutcome string

const (
	ParsedDirect ResultOutcome = "direct"
	ParsedFenced ResultOutcome = "fenced"
	ParseFailed  ResultOutcome = "failed"
)

// TaskError is one error reported by the assistant in a task result
type TaskError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TaskResult is the structured outcome the assistant is instructed to return
type TaskResult struct {
	Status  string      `json:"status"` // success | failed | skipped
	Summary string      `json:"summary"`
	Errors  []TaskError `json:"errors"`
}

// IsValidStatus reports whether the result's status is one the engine accepts
func (r *TaskResult) IsValidStatus() bool {
	switch r.Status {
	case "success", "failed", "skipped":
		return true
	}
	return false
}

var fencedJSONPattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n(.*?)```")

// ParseTaskResult parses the gateway's raw reply into a task result. The
// gateway is a free-text-capable system with no enforced output contract, so
// parsing degrades gracefully: direct JSON first, then the first fenced code
// block, then a synthesized failure. The returned result is always non-nil
// and always has a valid status.
func ParseTaskResult(raw string) (*TaskResult, ResultOutcome) {
	trimmed := strings.TrimSpace(raw)

	var result TaskResult
	if err := json.Unmarshal([]byte(trimmed), &result); err == nil {
		return validateResult(&result, ParsedDirect, raw)
	}

	if match := fencedJSONPattern.FindStringSubmatch(trimmed); match != nil {
		var fenced TaskResult
		if err := json.Unmarshal([]byte(strings.TrimSpace(match[1])), &fenced); err == nil {
			return validateResult(&fenced, ParsedFenced, raw)
		}
	}

	return &TaskResult{
		Status:  "failed",
		Summary: "assistant reply was not valid JSON",
		Errors:  []TaskError{{Code: CodeInvalidResultJSON, Message: truncateForError(raw)}},
	}, ParseFailed
}

func validateResult(result *TaskResult, outcome ResultOutcome, raw string) (*TaskResult, ResultOutcome) {
	if !result.IsValidStatus() {
		return &TaskResult{
			Status:  "failed",
			Summary: "assistant reply did not match the result schema",
			Errors:  []TaskError{{Code: CodeInvalidResultSchema, Message: truncateForError(raw)}},
		}, ParseFailed
	}
	return result, outcome
}

// truncateForError keeps a bounded sample of the raw reply for diagnostics
func truncateForError(raw string) string {
	const limit = 500
	raw = strings.TrimSpace(raw)
	if len(raw) <= limit {
		return raw
	}
	return raw[:limit] + "..."
}
