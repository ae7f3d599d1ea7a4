// Package model defines the request and response shapes shared by the relay.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// CoordsKind discriminates the accepted shapes of the coords field.
type CoordsKind int

const (
	// CoordsAbsent covers a missing field, null, and any shape other than
	// a string or an array.
	CoordsAbsent CoordsKind = iota
	// CoordsSequence is an ordered array, usually of [x,y] pairs.
	CoordsSequence
	// CoordsText is a pre-joined comma separated string.
	CoordsText
)

func (k CoordsKind) String() string {
	switch k {
	case CoordsSequence:
		return "sequence"
	case CoordsText:
		return "text"
	default:
		return "absent"
	}
}

// Coords holds the coords field of a buffer request.
type Coords struct {
	Kind     CoordsKind
	Text     string
	Sequence []json.RawMessage
}

// UnmarshalJSON decides the kind from the first JSON token.
func (c *Coords) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*c = Coords{}
	if len(data) == 0 {
		return nil
	}

	switch data[0] {
	case '[':
		var seq []json.RawMessage
		if err := json.Unmarshal(data, &seq); err != nil {
			return fmt.Errorf("coords: %w", err)
		}
		c.Kind = CoordsSequence
		c.Sequence = seq
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("coords: %w", err)
		}
		c.Kind = CoordsText
		c.Text = s
	}
	return nil
}

// Normalize returns coords as one flat comma separated string. Nested arrays
// are flattened in order, so [[1,2],[3,4]] becomes "1,2,3,4".
func (c Coords) Normalize() string {
	switch c.Kind {
	case CoordsText:
		return c.Text
	case CoordsSequence:
		parts := make([]string, len(c.Sequence))
		for i, el := range c.Sequence {
			parts[i] = flattenElement(el)
		}
		return strings.Join(parts, ",")
	default:
		return ""
	}
}

// flattenElement renders one array element: arrays recurse, strings are
// unquoted, numbers and booleans keep their literal text, everything else
// becomes empty.
func flattenElement(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}

	switch raw[0] {
	case '[':
		var seq []json.RawMessage
		if err := json.Unmarshal(raw, &seq); err != nil {
			return ""
		}
		parts := make([]string, len(seq))
		for i, el := range seq {
			parts[i] = flattenElement(el)
		}
		return strings.Join(parts, ",")
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return s
	case '{', 'n':
		return ""
	default:
		return string(raw)
	}
}

// Scalar is a JSON field kept in its textual form. Absent and null values
// are the empty string; arrays are flattened like coords elements.
type Scalar string

// UnmarshalJSON accepts any JSON value.
func (s *Scalar) UnmarshalJSON(data []byte) error {
	*s = Scalar(flattenElement(data))
	return nil
}

func (s Scalar) String() string { return string(s) }

// BufferRequest is the body accepted by both buffer relay routes.
type BufferRequest struct {
	Coords     Coords `json:"coords"`
	Type       Scalar `json:"type"`
	BufferSize Scalar `json:"bufferSize"`
}

// ParseBufferRequest decodes a buffer request body. An empty body yields a
// request whose fields are all absent.
func ParseBufferRequest(body []byte) (*BufferRequest, error) {
	var req BufferRequest
	if len(bytes.TrimSpace(body)) == 0 {
		return &req, nil
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("decode buffer request: %w", err)
	}
	return &req, nil
}
