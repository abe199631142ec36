// Package govsdk is the typed HTTP client UI layers and operator
// tooling use against the gov service.
package govsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"gatekernel/pkg/agentloop"
	"gatekernel/pkg/approval"
	"gatekernel/pkg/domain"
	"gatekernel/pkg/evidence"
	"gatekernel/pkg/kernel"
	"gatekernel/pkg/proposal"
	"gatekernel/pkg/trace"
)

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Bearer     string
}

func New(baseURL, bearer string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{},
		Bearer:     bearer,
	}
}

type DecisionResponse struct {
	RequestID string          `json:"request_id"`
	Decision  domain.Decision `json:"decision"`
	Code      string          `json:"code,omitempty"`
}

type ProposalResponse struct {
	RequestID string                `json:"request_id"`
	Proposal  proposal.ProposalPack `json:"proposal"`
	Session   approval.Session      `json:"session"`
}

type DecisionRecordResponse struct {
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id"`
	Decision  string `json:"decision"`
}

type SecondConfirmationResponse struct {
	RequestID        string  `json:"request_id"`
	SessionID        string  `json:"session_id"`
	GrantedAt        string  `json:"granted_at"`
	FreshnessSeconds float64 `json:"freshness_seconds"`
}

type ExecutionResponse struct {
	RequestID string      `json:"request_id"`
	Trace     trace.Trace `json:"trace"`
}

type RunResponse struct {
	RequestID string              `json:"request_id"`
	RunID     string              `json:"run_id,omitempty"`
	Run       agentloop.RunResult `json:"run,omitempty"`
	Phase     string              `json:"phase,omitempty"`
}

type IntegrityResponse struct {
	RequestID string                   `json:"request_id"`
	Report    evidence.IntegrityReport `json:"report"`
	Code      string                   `json:"code,omitempty"`
}

type FindingsResponse struct {
	RequestID string             `json:"request_id"`
	Findings  kernel.FindingPack `json:"findings"`
}

func (c *Client) Decide(ctx context.Context, capability domain.Capability) (*DecisionResponse, error) {
	return postJSON[DecisionResponse](c, ctx, "/gov/decisions", map[string]any{"capability": string(capability)})
}

func (c *Client) Propose(ctx context.Context, candidate proposal.CandidateAction, citations []proposal.EvidenceCitation) (*ProposalResponse, error) {
	return postJSON[ProposalResponse](c, ctx, "/gov/proposals", map[string]any{
		"candidate": candidate, "citations": citations,
	})
}

func (c *Client) GetProposal(ctx context.Context, proposalID string) (*ProposalResponse, error) {
	return getJSON[ProposalResponse](c, ctx, "/gov/proposals/"+url.PathEscape(proposalID))
}

func (c *Client) RecordDecision(ctx context.Context, sessionID, decision, decidedBy string) (*DecisionRecordResponse, error) {
	path := "/gov/approvals/" + url.PathEscape(sessionID) + "/decision"
	return postJSON[DecisionRecordResponse](c, ctx, path, map[string]any{
		"decision": decision, "decided_by": decidedBy,
	})
}

func (c *Client) GrantSecondConfirmation(ctx context.Context, sessionID string) (*SecondConfirmationResponse, error) {
	path := "/gov/approvals/" + url.PathEscape(sessionID) + "/second-confirmation"
	return postJSON[SecondConfirmationResponse](c, ctx, path, map[string]any{})
}

func (c *Client) Execute(ctx context.Context, sessionID string) (*ExecutionResponse, error) {
	return postJSON[ExecutionResponse](c, ctx, "/gov/executions", map[string]any{"session_id": sessionID})
}

func (c *Client) AbortRun(ctx context.Context, runID string) (*RunResponse, error) {
	path := "/gov/runs/" + url.PathEscape(runID) + "/abort"
	return postJSON[RunResponse](c, ctx, path, map[string]any{})
}

func (c *Client) RunStatus(ctx context.Context, runID string) (*RunResponse, error) {
	return getJSON[RunResponse](c, ctx, "/gov/runs/"+url.PathEscape(runID))
}

func (c *Client) ChainIntegrity(ctx context.Context) (*IntegrityResponse, error) {
	return getJSON[IntegrityResponse](c, ctx, "/gov/chain/integrity")
}

func (c *Client) Findings(ctx context.Context) (*FindingsResponse, error) {
	return getJSON[FindingsResponse](c, ctx, "/gov/findings")
}

func postJSON[T any](c *Client, ctx context.Context, path string, body any) (*T, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return doJSON[T](c, req)
}

func getJSON[T any](c *Client, ctx context.Context, path string) (*T, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return doJSON[T](c, req)
}

func doJSON[T any](c *Client, req *http.Request) (*T, error) {
	if c.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.Bearer)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var errBody map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return nil, fmt.Errorf("http %d: %v", resp.StatusCode, errBody)
	}
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}
