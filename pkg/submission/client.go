// Copyright 2025 buttercup project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package submission

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/trailofbits/buttercup-sub002/pkg/msg"
)

// HTTPClient talks to the competition API. Responses carry {status, id};
// transport failures are returned as errors so callers can distinguish
// "rejected" from "unknown".
type HTTPClient struct {
	baseURL string
	keyID   string
	token   string
	client  *http.Client
}

func NewHTTPClient(baseURL, keyID, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		keyID:   keyID,
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type submitResponse struct {
	Status string `json:"status"`
	ID     string `json:"id"`
}

func (c *HTTPClient) SubmitPOV(ctx context.Context, crash *msg.TracedCrash) (msg.SubmissionResult, string, error) {
	body := map[string]any{
		"harness_name": crash.Crash.HarnessName,
		"sanitizer":    crash.Crash.Target.Sanitizer,
		"engine":       crash.Crash.Target.Engine,
		"data_file":    crash.Crash.CrashInputPath,
	}
	url := fmt.Sprintf("%s/v1/task/%s/pov/", c.baseURL, msg.NormalizeTaskID(crash.Crash.Target.TaskID))
	return c.post(ctx, url, body)
}

func (c *HTTPClient) SubmitPatch(ctx context.Context, patch *msg.Patch) (msg.SubmissionResult, string, error) {
	body := map[string]any{"patch": patch.Patch}
	url := fmt.Sprintf("%s/v1/task/%s/patch/", c.baseURL, msg.NormalizeTaskID(patch.TaskID))
	return c.post(ctx, url, body)
}

func (c *HTTPClient) SubmitBundle(ctx context.Context, taskID, vulnID, patchID string) (msg.SubmissionResult, string, error) {
	body := map[string]any{"pov_id": vulnID, "patch_id": patchID}
	url := fmt.Sprintf("%s/v1/task/%s/bundle/", c.baseURL, msg.NormalizeTaskID(taskID))
	return c.post(ctx, url, body)
}

func (c *HTTPClient) post(ctx context.Context, url string, body map[string]any) (msg.SubmissionResult, string, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return "", "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.keyID, c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("competition API: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return "", "", fmt.Errorf("competition API: server error %v", resp.Status)
	}
	var parsed submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", "", fmt.Errorf("competition API: decode response: %w", err)
	}
	result := msg.SubmissionResult(parsed.Status)
	switch result {
	case msg.ResultPending, msg.ResultAccepted, msg.ResultPassed,
		msg.ResultFailed, msg.ResultErrored, msg.ResultDeadlineExceeded:
	default:
		return "", "", fmt.Errorf("competition API: unknown status %q", parsed.Status)
	}
	return result, parsed.ID, nil
}
