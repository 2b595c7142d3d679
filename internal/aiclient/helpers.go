package aiclient

import (
	"bytes"
	"encoding/json"
	"io"
	"net/url"
)

func decodeJSON(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func decodeJSONReader(r io.Reader, v any) error {
	return json.NewDecoder(r).Decode(v)
}

func queryEscape(s string) string {
	return url.QueryEscape(s)
}

// multipartBuffer is a minimal io.Writer/io.Reader pair backed by
// bytes.Buffer so multipart.Writer can stream into an http.Request body
// without an intermediate file.
type multipartBuffer struct {
	bytes.Buffer
}
