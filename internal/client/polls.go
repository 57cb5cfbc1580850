package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/erauner12/pollsync/internal/pollerr"
	"github.com/erauner12/pollsync/internal/pollstore"
)

// TokenHeader carries a poll capability token on owner-only requests
const TokenHeader = "X-Poll-Token"

// OptionText is one option of a create request
type OptionText struct {
	Text string `json:"text"`
}

// CreateResult is the response to POST /polls. Poll is nil when the server
// only returns the id and token.
type CreateResult struct {
	PollID int64           `json:"poll_id"`
	Token  string          `json:"token"`
	Poll   *pollstore.Poll `json:"poll,omitempty"`
}

// EditOption is one option of an edit request. ID is set for options that
// already exist so the server keeps their id and votes.
type EditOption struct {
	ID   *int64 `json:"id,omitempty"`
	Text string `json:"text"`
}

type createRequest struct {
	Question string       `json:"question"`
	Options  []OptionText `json:"options"`
}

type editRequest struct {
	Question string       `json:"question"`
	Options  []EditOption `json:"options"`
	Token    string       `json:"token"`
}

type editResponse struct {
	Poll pollstore.Poll `json:"poll"`
}

// PollsClient implements the poll REST endpoints
type PollsClient struct {
	http *HTTPClient
}

// NewPollsClient creates a poll API client
func NewPollsClient(httpClient *HTTPClient) *PollsClient {
	return &PollsClient{http: httpClient}
}

// List fetches every poll (GET /polls)
func (c *PollsClient) List(ctx context.Context) ([]pollstore.Poll, error) {
	var polls []pollstore.Poll
	if err := c.call(ctx, "list", http.MethodGet, "/polls", nil, nil, &polls); err != nil {
		return nil, err
	}
	return polls, nil
}

// Create submits a new poll (POST /polls)
func (c *PollsClient) Create(ctx context.Context, question string, options []string) (*CreateResult, error) {
	body := createRequest{Question: question, Options: make([]OptionText, len(options))}
	for i, o := range options {
		body.Options[i] = OptionText{Text: o}
	}

	var res CreateResult
	if err := c.call(ctx, "create", http.MethodPost, "/polls", body, nil, &res); err != nil {
		return nil, err
	}
	if res.PollID == 0 || res.Token == "" {
		return nil, pollerr.Decode("create", fmt.Errorf("response missing poll_id or token"))
	}
	return &res, nil
}

// Vote records one vote (POST /polls/{id}/vote?option_id=)
func (c *PollsClient) Vote(ctx context.Context, pollID, optionID int64) error {
	path := fmt.Sprintf("/polls/%d/vote?option_id=%d", pollID, optionID)
	return c.call(ctx, "vote", http.MethodPost, path, nil, nil, nil)
}

// Like records one like (POST /polls/{id}/like)
func (c *PollsClient) Like(ctx context.Context, pollID int64) error {
	return c.call(ctx, "like", http.MethodPost, fmt.Sprintf("/polls/%d/like", pollID), nil, nil, nil)
}

// Edit replaces question and options (PUT /polls/{id}) and returns the
// server's view of the poll
func (c *PollsClient) Edit(ctx context.Context, pollID int64, question string, options []EditOption, token string) (pollstore.Poll, error) {
	body := editRequest{Question: question, Options: options, Token: token}
	var res editResponse
	if err := c.call(ctx, "edit", http.MethodPut, fmt.Sprintf("/polls/%d", pollID), body, nil, &res); err != nil {
		return pollstore.Poll{}, err
	}
	if res.Poll.ID != pollID {
		return pollstore.Poll{}, pollerr.Decode("edit", fmt.Errorf("response poll id %d, want %d", res.Poll.ID, pollID))
	}
	return res.Poll, nil
}

// Delete removes a poll (DELETE /polls/{id}). The token travels both as
// query parameter and header.
func (c *PollsClient) Delete(ctx context.Context, pollID int64, token string) error {
	path := fmt.Sprintf("/polls/%d?token=%s", pollID, url.QueryEscape(token))
	return c.call(ctx, "delete", http.MethodDelete, path, nil, http.Header{TokenHeader: {token}}, nil)
}

// call performs one request bounded by the client timeout and maps the
// outcome onto pollerr kinds. out may be nil when no body is expected.
func (c *PollsClient) call(ctx context.Context, op, method, path string, in any, header http.Header, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.http.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.http.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return pollerr.Network(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return pollerr.Rejection(op, resp.StatusCode, readReason(resp.Body))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return pollerr.Decode(op, err)
	}
	return nil
}

// readReason extracts a human readable reason from an error body
func readReason(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var body struct {
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Detail != "" {
			return body.Detail
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return strconv.Quote(string(bytes.TrimSpace(raw)))
}
