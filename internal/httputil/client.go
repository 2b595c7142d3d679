// Package httputil is the AI Processor client's small HTTP/JSON transport
// (§6.1): a POST/GET pair that marshals a JSON request body, returns the
// raw response bytes for the caller to decode, and
// classifies a non-2xx response through boterr instead of handing the
// caller a bare status-code string to re-parse.
package httputil

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/promobot/promobot/internal/boterr"
)

func setHeaders(req *http.Request, headers map[string]string) {
	for k, v := range headers {
		req.Header.Set(k, v)
	}
}

func doRequest(client *http.Client, req *http.Request) ([]byte, int, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, boterr.New(boterr.CodeAIBadResponse, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, boterr.ClassifyHTTPStatus(resp.StatusCode, string(data))
	}
	return data, resp.StatusCode, nil
}

// PostJSON marshals payload as JSON, POSTs it with headers merged onto a
// Content-Type: application/json default, and returns the raw response body.
// A non-2xx response comes back as a *boterr.BotError already classified
// by status code.
func PostJSON(ctx context.Context, url string, headers map[string]string, payload any, timeoutSecs int) ([]byte, int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, boterr.New(boterr.CodeAIBadResponse, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, boterr.New(boterr.CodeAIBadResponse, err)
	}
	req.Header.Set("Content-Type", "application/json")
	setHeaders(req, headers)
	client := &http.Client{Timeout: time.Duration(timeoutSecs) * time.Second}
	return doRequest(client, req)
}

// GetJSON sends a GET request with headers applied and returns the raw
// response body, classifying a non-2xx response the same way PostJSON does.
func GetJSON(ctx context.Context, url string, headers map[string]string, timeoutSecs int) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, boterr.New(boterr.CodeAIBadResponse, err)
	}
	setHeaders(req, headers)
	client := &http.Client{Timeout: time.Duration(timeoutSecs) * time.Second}
	return doRequest(client, req)
}
