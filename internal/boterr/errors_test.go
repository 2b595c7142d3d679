package boterr

import (
	"errors"
	"net/http"
	"testing"
)

func TestClassifyAI(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"quota 429", errors.New("http 429: rate limited"), CodeAIQuotaExhausted},
		{"quota exhausted word", errors.New("quota exhausted"), CodeAIQuotaExhausted},
		{"timeout", errors.New("context deadline exceeded"), CodeAITimeout},
		{"timeout word", errors.New("request timeout"), CodeAITimeout},
		{"connectivity hangup", errors.New("socket hang up"), CodeAIConnectivity},
		{"connectivity refused", errors.New("dial tcp: connection refused"), CodeAIConnectivity},
		{"unrecognized", errors.New("weird response shape"), CodeAIBadResponse},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := ClassifyAI(tc.err)
			if got.Code != tc.want {
				t.Fatalf("ClassifyAI(%q).Code = %s, want %s", tc.err, got.Code, tc.want)
			}
			if !errors.Is(got, got) {
				t.Fatalf("BotError should compare equal to itself via errors.Is")
			}
		})
	}
}

func TestClassifyAINil(t *testing.T) {
	if ClassifyAI(nil) != nil {
		t.Fatalf("ClassifyAI(nil) should return nil")
	}
}

func TestClassifyHTTPStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   Code
	}{
		{"too many requests", http.StatusTooManyRequests, CodeAIQuotaExhausted},
		{"gateway timeout", http.StatusGatewayTimeout, CodeAITimeout},
		{"request timeout", http.StatusRequestTimeout, CodeAITimeout},
		{"server error", http.StatusInternalServerError, CodeAIConnectivity},
		{"bad request", http.StatusBadRequest, CodeAIBadResponse},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := ClassifyHTTPStatus(tc.status, "body")
			if got.Code != tc.want {
				t.Fatalf("ClassifyHTTPStatus(%d).Code = %s, want %s", tc.status, got.Code, tc.want)
			}
		})
	}
}

func TestBotErrorMessageFallsBackToUnknown(t *testing.T) {
	be := &BotError{Code: Code("not-a-real-code")}
	if be.Message() != HumanMessages[CodeUnknown] {
		t.Fatalf("Message() for unrecognized code = %q, want the unknown fallback", be.Message())
	}
}

func TestBotErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	be := New(CodeStoreWrite, cause)
	if !errors.Is(be, cause) {
		t.Fatalf("errors.Is(be, cause) = false, want true")
	}
}

func TestMessageClassifiesPlainErrorsAsAI(t *testing.T) {
	msg := Message(errors.New("quota exhausted"))
	if msg != HumanMessages[CodeAIQuotaExhausted] {
		t.Fatalf("Message() = %q, want the quota-exhausted text", msg)
	}
}

func TestMessagePassesThroughAlreadyClassifiedErrors(t *testing.T) {
	be := New(CodeScheduleRange, errors.New("interval 2000"))
	if Message(be) != HumanMessages[CodeScheduleRange] {
		t.Fatalf("Message(be) = %q, want the schedule-range text", Message(be))
	}
}
