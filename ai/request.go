package ai

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/itsneelabh/qerrors/core"
)

// Upstream payload bounds. The serialised record is capped before it goes
// into the user message so one pathological error cannot produce a
// multi-megabyte completion request.
const (
	maxPayloadBytes   = 512 * 1024
	envelopeAllowance = 4 * 1024
	truncationMarker  = "...[truncated]"
)

// systemPrompt pins the model to the JSON contract ParseAdvice expects.
const systemPrompt = "You are a production error analyst. You receive one JSON error record. " +
	"Respond with a single JSON object with keys \"diagnosis\" (one or two sentences on the likely root cause), " +
	"\"remediation\" (a string or an ordered array of concrete steps) and optionally \"confidence\" (a number between 0 and 1). " +
	"Be specific to the record. Respond with JSON only, no prose and no code fences."

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

// chatRequest is the OpenAI-compatible completion request body.
// Temperature is pinned to zero: advice should be reproducible, not creative.
type chatRequest struct {
	Model               string          `json:"model"`
	Messages            []chatMessage   `json:"messages"`
	ResponseFormat      *responseFormat `json:"response_format,omitempty"`
	MaxCompletionTokens int             `json:"max_completion_tokens,omitempty"`
	Temperature         float64         `json:"temperature"`
}

// chatResponse is the slice of the completion response the client reads.
type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// BuildRequestBody serialises the completion request for one record. It
// never fails: a record that cannot be marshalled degrades to its identity
// fields, and oversize records are truncated with a marker.
func BuildRequestBody(record *core.ErrorRecord, model string, maxCompletionTokens int) []byte {
	req := chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: serialiseRecord(record)},
		},
		ResponseFormat:      &responseFormat{Type: "json_object"},
		MaxCompletionTokens: maxCompletionTokens,
	}
	data, err := json.Marshal(req)
	if err != nil {
		// Record content is sanitised plain data by the time it gets here,
		// so this path means an intake bug. Keep the request alive anyway.
		req.Messages[1].Content = minimalRecord(record)
		data, _ = json.Marshal(req)
	}
	return data
}

// serialiseRecord renders the analysis-relevant slice of the record as the
// user message, capped at the payload budget minus envelope headroom.
func serialiseRecord(record *core.ErrorRecord) string {
	payload := map[string]interface{}{
		"name":        record.Name,
		"message":     record.Message,
		"severity":    record.Severity,
		"fingerprint": record.Fingerprint(),
	}
	if len(record.Stack) > 0 {
		payload["stack"] = record.Stack
	}
	if len(record.Context) > 0 {
		payload["context"] = record.Context
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return minimalRecord(record)
	}
	if limit := maxPayloadBytes - envelopeAllowance; len(data) > limit {
		data = append(data[:limit], truncationMarker...)
	}
	return string(data)
}

func minimalRecord(record *core.ErrorRecord) string {
	return fmt.Sprintf(`{"name":%q,"message":%q}`, record.Name, record.Message)
}

// ParseAdvice extracts advice from a completion response body. Message
// content wrapped in markdown code fences is unwrapped first; smaller
// models emit fences even when asked for bare JSON. Any shape violation
// maps to ErrParse so the caller can retry once and then fall back.
func ParseAdvice(body []byte) (*core.Advice, string, error) {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, "", parseError("response is not valid JSON", err)
	}
	if len(resp.Choices) == 0 {
		return nil, "", parseError("response has no choices", nil)
	}
	content := stripFences(strings.TrimSpace(resp.Choices[0].Message.Content))
	if content == "" {
		return nil, "", parseError("response content is empty", nil)
	}
	var advice core.Advice
	if err := json.Unmarshal([]byte(content), &advice); err != nil {
		return nil, "", parseError("advice is not valid JSON", err)
	}
	if strings.TrimSpace(advice.Diagnosis) == "" {
		return nil, "", parseError("advice has no diagnosis", nil)
	}
	if len(advice.Remediation) == 0 {
		return nil, "", parseError("advice has no remediation", nil)
	}
	if advice.Confidence != nil && (*advice.Confidence < 0 || *advice.Confidence > 1) {
		advice.Confidence = nil
	}
	return &advice, resp.Model, nil
}

func parseError(msg string, err error) error {
	if err != nil {
		msg = msg + ": " + err.Error()
	}
	return &core.Error{Op: "ai.parse", Kind: "parse", Message: msg, Err: core.ErrParse}
}

// stripFences unwraps ```json ... ``` style blocks around the content.
func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		info := strings.TrimSpace(s[:i])
		if info == "" || strings.EqualFold(info, "json") {
			s = s[i+1:]
		}
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
