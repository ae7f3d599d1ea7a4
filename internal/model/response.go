package model

import (
	"mime"
	"strings"
)

// UpstreamResponse is a fully read response from a NEPAssist endpoint.
type UpstreamResponse struct {
	StatusCode  int
	StatusText  string
	ContentType string
	Body        []byte
}

// OK reports whether the status is in the 2xx range.
func (r *UpstreamResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// IsJSON reports whether the declared content type is JSON.
func (r *UpstreamResponse) IsJSON() bool {
	mt, _, err := mime.ParseMediaType(r.ContentType)
	if err != nil {
		return strings.Contains(strings.ToLower(r.ContentType), "application/json")
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

// Reply is what a relay operation hands back to the HTTP layer.
type Reply struct {
	StatusCode int
	// JSON is true when Body holds valid JSON; otherwise it is relayed as text.
	JSON bool
	Body []byte
}

// ProbeReport is the result of a diagnostic probe.
type ProbeReport struct {
	OK          bool   `json:"ok"`
	Status      int    `json:"status"`
	StatusText  string `json:"statusText"`
	BodySnippet string `json:"bodySnippet"`
}
