package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	v1 "github.com/drover-ai/drover/pkg/api/v1"
)

// client is a thin coordinator API client covering the runner surface.
type client struct {
	base string
	http *http.Client
}

func newClient(base string) *client {
	return &client{
		base: strings.TrimRight(base, "/"),
		// The long-poll window is server-side (default 25s); leave headroom.
		http: &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *client) register(ctx context.Context, req *v1.RegisterRunnerRequest) (*v1.Runner, error) {
	runner := &v1.Runner{}
	if err := c.do(ctx, http.MethodPost, "/runner/register", "", req, runner); err != nil {
		return nil, err
	}
	return runner, nil
}

func (c *client) unregister(ctx context.Context, runnerID string) error {
	return c.do(ctx, http.MethodPost, "/runner/unregister", runnerID, nil, nil)
}

func (c *client) heartbeat(ctx context.Context, runnerID string) error {
	return c.do(ctx, http.MethodPost, "/runner/heartbeat", "", &v1.HeartbeatRequest{RunnerID: runnerID}, nil)
}

// claim long-polls for work. A nil result means the window closed empty.
func (c *client) claim(ctx context.Context, runnerID string) (*v1.ClaimedRun, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/runner/runs", runnerID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}
	claimed := &v1.ClaimedRun{}
	if err := json.NewDecoder(resp.Body).Decode(claimed); err != nil {
		return nil, err
	}
	return claimed, nil
}

func (c *client) markRunning(ctx context.Context, runnerID, runID string) error {
	return c.do(ctx, http.MethodPost, "/runner/runs/"+runID+"/running", runnerID, struct{}{}, nil)
}

func (c *client) complete(ctx context.Context, runnerID, runID string, req *v1.CompleteRunRequest) error {
	return c.do(ctx, http.MethodPost, "/runner/runs/"+runID+"/completed", runnerID, req, nil)
}

func (c *client) fail(ctx context.Context, runnerID, runID, reason string) error {
	return c.do(ctx, http.MethodPost, "/runner/runs/"+runID+"/failed", runnerID, &v1.FailRunRequest{Error: reason}, nil)
}

func (c *client) ackStopped(ctx context.Context, runnerID, runID string) error {
	return c.do(ctx, http.MethodPost, "/runner/runs/"+runID+"/stopped", runnerID, struct{}{}, nil)
}

func (c *client) appendEvent(ctx context.Context, req *v1.AppendEventRequest) error {
	return c.do(ctx, http.MethodPost, "/events", "", req, nil)
}

func (c *client) getRun(ctx context.Context, runID string) (*v1.Run, error) {
	run := &v1.Run{}
	if err := c.do(ctx, http.MethodGet, "/runs/"+runID, "", nil, run); err != nil {
		return nil, err
	}
	return run, nil
}

func (c *client) do(ctx context.Context, method, path, runnerID string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, runnerID, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return responseError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) newRequest(ctx context.Context, method, path, runnerID string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if runnerID != "" {
		req.Header.Set("X-Runner-ID", runnerID)
	}
	return req, nil
}

func responseError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		return fmt.Errorf("%s: %s (HTTP %d)", body.Error, body.Message, resp.StatusCode)
	}
	return fmt.Errorf("unexpected HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
}
