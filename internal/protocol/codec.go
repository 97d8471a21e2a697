package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoOutput means stdout held no non-empty line.
	ErrNoOutput = errors.New("no result line on stdout")
	// ErrMalformed means the last line was not a JSON object.
	ErrMalformed = errors.New("result line is not a JSON object")
	// ErrMissingSuccess means the object lacked a boolean "success" field.
	ErrMissingSuccess = errors.New(`result line has no boolean "success" field`)
)

// Payload is the decoded result line.
type Payload struct {
	Success       bool     `json:"success"`
	Result        any      `json:"result,omitempty"`
	Error         string   `json:"error,omitempty"`
	Traceback     string   `json:"traceback,omitempty"`
	Stdout        *string  `json:"stdout,omitempty"`
	Stderr        *string  `json:"stderr,omitempty"`
	ExecutionTime *float64 `json:"execution_time,omitempty"`
}

// DecodeError is returned by ParseOutput. It keeps the raw line, or the whole
// stream when no line was found, for debugging.
type DecodeError struct {
	Raw string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding result: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ParseOutput extracts the result from a child's stdout.
//
// Only structure is checked: the last non-empty line must be a JSON object
// with a boolean "success". Nothing about its other fields is validated.
// The returned diagnostic string is stdout with the result line removed.
func ParseOutput(stdout string) (*Payload, string, error) {
	line, rest, ok := lastLine(stdout)
	if !ok {
		return nil, stdout, &DecodeError{Raw: stdout, Err: ErrNoOutput}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(line), &fields); err != nil || fields == nil {
		return nil, stdout, &DecodeError{Raw: line, Err: ErrMalformed}
	}
	raw, found := fields["success"]
	if !found {
		return nil, stdout, &DecodeError{Raw: line, Err: ErrMissingSuccess}
	}
	var success bool
	if err := json.Unmarshal(raw, &success); err != nil {
		return nil, stdout, &DecodeError{Raw: line, Err: ErrMissingSuccess}
	}

	var p Payload
	if err := json.Unmarshal([]byte(line), &p); err != nil {
		// Fields of the wrong type, e.g. "error": 3.
		return nil, stdout, &DecodeError{Raw: line, Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	p.Success = success
	return &p, rest, nil
}

// lastLine returns the last non-empty line of s and the text before it.
func lastLine(s string) (line, rest string, ok bool) {
	trimmed := strings.TrimRight(s, " \t\r\n")
	if trimmed == "" {
		return "", "", false
	}
	idx := strings.LastIndexByte(trimmed, '\n')
	line = strings.TrimSpace(trimmed[idx+1:])
	if idx < 0 {
		return line, "", true
	}
	return line, strings.TrimRight(trimmed[:idx], "\r\n"), true
}
