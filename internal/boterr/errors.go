// Package boterr classifies errors from external collaborators into a fixed
// set of operator-facing messages, the way pkg/aierrors classifies OpenAI
// errors in the teacher bridge.
package boterr

import (
	"errors"
	"net/http"
	"strings"
)

// Code identifies a classified error kind.
type Code string

const (
	CodeAIQuotaExhausted  Code = "ai-quota-exhausted"
	CodeAITimeout         Code = "ai-timeout"
	CodeAIConnectivity    Code = "ai-connectivity"
	CodeAIBadResponse     Code = "ai-bad-response"
	CodeTransportSend     Code = "transport-send-failed"
	CodeParseMissing      Code = "parse-missing-fields"
	CodeScheduleRange     Code = "schedule-out-of-range"
	CodeDetailsGrammar    Code = "details-grammar"
	CodeStoreWrite        Code = "store-write-failed"
	CodeUnknown           Code = "unknown"
)

// HumanMessages holds the operator-facing text for each classified code,
// mirroring pkg/aierrors.BridgeStateHumanErrors.
var HumanMessages = map[Code]string{
	CodeAIQuotaExhausted: "The AI service has run out of quota. Try again later or /regen once quota resets.",
	CodeAITimeout:        "The AI request timed out. You can REGEN to try again.",
	CodeAIConnectivity:   "Couldn't reach the AI service (connection problem). REGEN to retry.",
	CodeAIBadResponse:    "The AI service returned something we couldn't understand. REGEN to retry.",
	CodeTransportSend:    "Sending the message failed. Your draft is still here — try again.",
	CodeParseMissing:     "Some required fields are missing from that catalog message.",
	CodeScheduleRange:    "Schedule interval must be between 1 and 1440 minutes.",
	CodeDetailsGrammar:   "I couldn't parse that. Expected: <price> [format] [month [year]] [close <day> <month>].",
	CodeStoreWrite:       "Couldn't save that — please try again.",
	CodeUnknown:          "Something went wrong. Try again.",
}

// BotError is a classified error with a stable Code and a wrapped cause.
type BotError struct {
	Code  Code
	Cause error
}

func (e *BotError) Error() string {
	if e.Cause != nil {
		return string(e.Code) + ": " + e.Cause.Error()
	}
	return string(e.Code)
}

func (e *BotError) Unwrap() error { return e.Cause }

// Message returns the operator-facing string for this error.
func (e *BotError) Message() string {
	if msg, ok := HumanMessages[e.Code]; ok {
		return msg
	}
	return HumanMessages[CodeUnknown]
}

// New wraps cause under the given classified code.
func New(code Code, cause error) *BotError {
	return &BotError{Code: code, Cause: cause}
}

// Message returns the operator-facing text for any error, classifying AI
// collaborator failures by status code or message substring the way
// pkg/aierrors does for OpenAI responses.
func Message(err error) string {
	var be *BotError
	if errors.As(err, &be) {
		return be.Message()
	}
	return ClassifyAI(err).Message()
}

// Classify returns err's own BotError if it is already classified (as
// returned by internal/httputil on a non-2xx response) and otherwise falls
// back to ClassifyAI's message-substring heuristics for a raw transport
// error (connection refused, timeout, ...).
func Classify(err error) *BotError {
	var be *BotError
	if errors.As(err, &be) {
		return be
	}
	return ClassifyAI(err)
}

// ClassifyAI inspects an error returned by the AI Processor HTTP client and
// buckets it into a BotError, distinguishing quota exhaustion from
// connectivity problems per spec §6.1.
func ClassifyAI(err error) *BotError {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"), strings.Contains(msg, "exhausted"), strings.Contains(msg, "quota"):
		return New(CodeAIQuotaExhausted, err)
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return New(CodeAITimeout, err)
	case strings.Contains(msg, "socket hang up"), strings.Contains(msg, "connection refused"), strings.Contains(msg, "connect:"):
		return New(CodeAIConnectivity, err)
	default:
		return New(CodeAIBadResponse, err)
	}
}

// ClassifyHTTPStatus buckets a non-2xx HTTP status from a collaborator call.
func ClassifyHTTPStatus(status int, body string) *BotError {
	switch {
	case status == http.StatusTooManyRequests:
		return New(CodeAIQuotaExhausted, errors.New(body))
	case status == http.StatusGatewayTimeout, status == http.StatusRequestTimeout:
		return New(CodeAITimeout, errors.New(body))
	case status >= 500:
		return New(CodeAIConnectivity, errors.New(body))
	default:
		return New(CodeAIBadResponse, errors.New(body))
	}
}
