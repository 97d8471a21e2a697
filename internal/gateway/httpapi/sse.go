package httpapi

import (
	"github.com/jkaninda/okapi"
)

// SSEEvent represents a server-sent event for streamed execution.
type SSEEvent struct {
	Type    string `json:"type"` // "stdout", "stderr", "result", "error", "done"
	Content string `json:"content,omitempty"`
	Result  any    `json:"result,omitempty"`
	Kind    string `json:"kind,omitempty"`
	ID      string `json:"id,omitempty"`
}

// handleExecuteStream handles POST /v1/execute/stream. The run is buffered
// and its captured output is streamed as events once it finishes.
func (g *Gateway) handleExecuteStream(c *okapi.Context) error {
	if err := g.allow(c); err != nil {
		return err
	}

	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("Bad request", err)
	}
	if req.Function == "" || req.Code == "" {
		return c.AbortBadRequest("function and code are required")
	}

	res := g.executor.Execute(runContext(c), req.Function, req.Code, req.Arguments)

	if res.Stdout != "" {
		c.SSEvent("stdout", SSEEvent{Type: "stdout", Content: res.Stdout})
	}
	if res.Stderr != "" {
		c.SSEvent("stderr", SSEEvent{Type: "stderr", Content: res.Stderr})
	}
	if res.Success {
		c.SSEvent("result", SSEEvent{Type: "result", Result: res.Result, ID: res.ID})
	} else {
		c.SSEvent("error", SSEEvent{Type: "error", Content: res.Error, Kind: string(res.Kind), ID: res.ID})
	}
	c.SSEvent("done", SSEEvent{Type: "done", ID: res.ID})
	return nil
}
