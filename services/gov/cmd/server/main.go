package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"

	"gatekernel/pkg/agentloop"
	"gatekernel/pkg/approval"
	"gatekernel/pkg/canonhash"
	"gatekernel/pkg/domain"
	"gatekernel/pkg/evidence"
	"gatekernel/pkg/httpx"
	"gatekernel/pkg/kernel"
	"gatekernel/pkg/mirror"
	"gatekernel/pkg/policy"
	"gatekernel/pkg/proposal"
	"gatekernel/pkg/trace"
	"gatekernel/pkg/trust"

	"gatekernel/services/gov/internal/config"
)

func main() {
	logger := log.New(os.Stderr, "gov: ", log.LstdFlags)

	cfg, err := config.Load(os.Getenv("GOV_CONFIG"))
	if err != nil {
		logger.Fatal(err)
	}

	registry, err := trust.NewRegistry()
	if err != nil {
		logger.Fatal(err)
	}
	fingerprint := os.Getenv("DEVICE_FINGERPRINT")
	if fingerprint == "" {
		fingerprint = "dev-device"
	}
	if _, err := registry.RegisterDevice(fingerprint, "gov service host"); err != nil {
		logger.Fatal(err)
	}

	policies := policy.NewStore(&policy.OperatorPolicy{
		Enabled: true,
		Capabilities: map[domain.Capability]bool{
			domain.CapCalendarWrite: true,
			domain.CapReminderWrite: true,
			domain.CapEmailCompose:  true,
			domain.CapNetworkEgress: true,
		},
	})

	sessions, err := approval.NewManager(cfg.SessionExpiry(), func(c domain.Capability) bool {
		return policy.Decide(c, policies.Active(), 0).Allowed
	})
	if err != nil {
		logger.Fatal(err)
	}
	proposer, err := proposal.NewBuilder(cfg.Breakpoints)
	if err != nil {
		logger.Fatal(err)
	}

	chain := evidence.NewChain()
	gate := agentloop.NewAllowlistGate(cfg.Connectors, fetchConnector)

	k, err := kernel.New(kernel.Deps{
		Chain:    chain,
		Registry: registry,
		Nonces:   trust.NewNonceStore(),
		Policies: policies,
		Sessions: sessions,
		Proposer: proposer,
		Traces:   trace.NewBuilder(),
		Executor: newExecutor(os.Getenv("EXECUTOR_URL")),
		Gate:     gate,
		Budgets:  agentloop.Budgets{MaxPasses: cfg.MaxPasses, MaxToolCalls: cfg.MaxToolCalls},
	})
	if err != nil {
		logger.Fatal(err)
	}

	var mirrorStore *mirror.Store
	if os.Getenv("MIRROR_DATABASE_URL") != "" {
		mirrorStore = mirror.New(mirror.MustConnect())
		if err := mirrorStore.EnsureSchema(context.Background()); err != nil {
			logger.Fatal(err)
		}
	}

	port := os.Getenv("SERVICE_PORT")
	if port == "" {
		port = "8084"
	}

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	r.Route("/gov", func(api chi.Router) {

		api.Post("/decisions", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Capability string `json:"capability"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			d, err := k.Gate(domain.Capability(req.Capability))
			if err != nil && !d.Allowed {
				// Denials are part of the contract: return the decision
				// with its reason, plus the failure code.
				httpx.WriteJSON(w, 200, map[string]any{
					"request_id": httpx.NewRequestID(),
					"decision":   d,
					"code":       string(domain.CodeOf(err)),
				})
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "decision": d})
		})

		api.Post("/proposals", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Candidate proposal.CandidateAction    `json:"candidate"`
				Citations []proposal.EvidenceCitation `json:"citations"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			pack, session, err := k.Propose(req.Candidate, req.Citations)
			if err != nil {
				httpx.WriteGovernanceError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{
				"request_id": httpx.NewRequestID(), "proposal": pack, "session": session,
			})
		})

		api.Get("/proposals/{proposal_id}", func(w http.ResponseWriter, r *http.Request) {
			proposalID := chi.URLParam(r, "proposal_id")
			for _, s := range sessions.Sessions() {
				if s.Proposal.ProposalID == proposalID {
					httpx.WriteJSON(w, 200, map[string]any{
						"request_id": httpx.NewRequestID(), "proposal": s.Proposal, "session": s,
					})
					return
				}
			}
			httpx.WriteError(w, 404, "NOT_FOUND", "unknown proposal", nil)
		})

		api.Post("/approvals/{session_id}/decision", func(w http.ResponseWriter, r *http.Request) {
			sessionID := chi.URLParam(r, "session_id")
			var req struct {
				Decision  string `json:"decision"`
				DecidedBy string `json:"decided_by"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			final, err := k.RecordDecision(sessionID, approval.SessionDecision(req.Decision), req.DecidedBy)
			if err != nil {
				httpx.WriteGovernanceError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{
				"request_id": httpx.NewRequestID(), "session_id": sessionID, "decision": string(final),
			})
		})

		api.Post("/approvals/{session_id}/second-confirmation", func(w http.ResponseWriter, r *http.Request) {
			sessionID := chi.URLParam(r, "session_id")
			grantedAt, err := sessions.GrantSecondConfirmation(sessionID)
			if err != nil {
				httpx.WriteGovernanceError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{
				"request_id": httpx.NewRequestID(), "session_id": sessionID,
				"granted_at":        grantedAt.Format(time.RFC3339Nano),
				"freshness_seconds": domain.ConfirmationFreshness.Seconds(),
			})
		})

		api.Post("/executions", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				SessionID string `json:"session_id"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			t, err := k.Execute(r.Context(), req.SessionID)
			if err != nil {
				httpx.WriteGovernanceError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "trace": t})
		})

		api.Post("/runs", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Steps []scriptedStep `json:"steps"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			runner, err := k.StartRun(&scriptedPlanner{steps: req.Steps})
			if err != nil {
				httpx.WriteGovernanceError(w, err)
				return
			}
			go func() {
				if _, err := runner.Run(context.Background()); err != nil {
					logger.Printf("run %s: %v", runner.RunID(), err)
				}
			}()
			httpx.WriteJSON(w, 202, map[string]any{"request_id": httpx.NewRequestID(), "run_id": runner.RunID()})
		})

		api.Get("/runs/{run_id}", func(w http.ResponseWriter, r *http.Request) {
			runner, ok := k.Run(chi.URLParam(r, "run_id"))
			if !ok {
				httpx.WriteError(w, 404, "NOT_FOUND", "unknown run", nil)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "run": runner.Snapshot()})
		})

		api.Post("/runs/{run_id}/abort", func(w http.ResponseWriter, r *http.Request) {
			runner, ok := k.Run(chi.URLParam(r, "run_id"))
			if !ok {
				httpx.WriteError(w, 404, "NOT_FOUND", "unknown run", nil)
				return
			}
			runner.Abort()
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "phase": string(runner.Phase())})
		})

		api.Get("/chain/integrity", func(w http.ResponseWriter, r *http.Request) {
			report, err := k.VerifyIntegrity()
			resp := map[string]any{"request_id": httpx.NewRequestID(), "report": report}
			if err != nil {
				resp["code"] = string(domain.CodeOf(err))
			}
			httpx.WriteJSON(w, 200, resp)
		})

		api.Get("/chain/export", func(w http.ResponseWriter, r *http.Request) {
			b, err := chain.ExportJSON(time.Now())
			if err != nil {
				httpx.WriteError(w, 500, "EXPORT_FAILED", err.Error(), nil)
				return
			}
			w.Header().Set("content-type", "application/json")
			w.WriteHeader(200)
			_, _ = w.Write(b)
		})

		api.Get("/chain/mirror", func(w http.ResponseWriter, r *http.Request) {
			if mirrorStore == nil {
				httpx.WriteError(w, 404, "NOT_FOUND", "no mirror configured", nil)
				return
			}
			local := chain.Entries()
			if err := mirrorStore.Push(r.Context(), local); err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			mirrored, err := mirrorStore.Entries(r.Context())
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			report := mirror.Compare(local, mirrored)
			resp := map[string]any{"request_id": httpx.NewRequestID(), "report": report}
			if err := report.Err(); err != nil {
				// Divergence is a finding for the human reconciliation
				// flow, never auto-repaired here.
				resp["code"] = string(domain.CodeOf(err))
			}
			httpx.WriteJSON(w, 200, resp)
		})

		api.Get("/findings", func(w http.ResponseWriter, r *http.Request) {
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "findings": k.Findings()})
		})

		api.Post("/recover", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				ConfirmedBy string `json:"confirmed_by"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			if err := k.Recover(req.ConfirmedBy); err != nil {
				httpx.WriteGovernanceError(w, err)
				return
			}
			posture, _ := k.Posture()
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "posture": string(posture)})
		})
	})

	logger.Printf("listening on :%s", port)
	logger.Fatal(http.ListenAndServe(":"+port, r))
}

// scriptedPlanner replays a request-supplied plan. The production
// reasoning collaborator implements agentloop.Planner the same way.
type scriptedStep struct {
	Kind     string              `json:"kind"`
	Query    string              `json:"query,omitempty"`
	URL      string              `json:"url,omitempty"`
	Artifact *agentloop.Artifact `json:"artifact,omitempty"`
}

type scriptedPlanner struct{ steps []scriptedStep }

func (p *scriptedPlanner) PlanNextStep(_ context.Context, pass int, _ []agentloop.ToolCallRecord) (agentloop.Step, error) {
	if pass > len(p.steps) {
		return agentloop.Step{}, errors.New("scripted plan exhausted")
	}
	s := p.steps[pass-1]
	return agentloop.Step{
		Kind:     agentloop.StepKind(s.Kind),
		Query:    s.Query,
		URL:      s.URL,
		Artifact: s.Artifact,
	}, nil
}

// fetchConnector is the inner transport behind the allowlist gate.
func fetchConnector(ctx context.Context, req agentloop.ToolRequest) (agentloop.ToolResponse, error) {
	target := req.URL
	if req.Kind == agentloop.StepSearch {
		target = os.Getenv("SEARCH_URL")
		if target == "" {
			return agentloop.ToolResponse{}, errors.New("SEARCH_URL is not configured")
		}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return agentloop.ToolResponse{}, err
	}
	if req.Query != "" {
		q := httpReq.URL.Query()
		q.Set("q", req.Query)
		httpReq.URL.RawQuery = q.Encode()
	}
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return agentloop.ToolResponse{}, err
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return agentloop.ToolResponse{}, err
	}
	return agentloop.ToolResponse{ConnectorID: req.ConnectorID, Body: buf.String()}, nil
}

// httpExecutor forwards approved actions to the external executor
// service. Without EXECUTOR_URL a local certificate is fabricated from
// the pack hash — dev only, the same shape the real executor returns.
type httpExecutor struct{ base string }

func newExecutor(base string) *httpExecutor { return &httpExecutor{base: base} }

func (e *httpExecutor) Execute(ctx context.Context, pack proposal.ProposalPack, confirmedAt time.Time) (trace.Certificate, error) {
	if e.base == "" {
		packHash, _, err := canonhash.CanonicalSHA256(pack)
		if err != nil {
			return trace.Certificate{}, err
		}
		return trace.Certificate{
			CertificateHash: canonhash.JoinHash(packHash, confirmedAt.UTC().Format(time.RFC3339Nano)),
			RiskTier:        pack.RiskTier,
			EnclaveBacked:   false,
		}, nil
	}
	body, err := json.Marshal(map[string]any{
		"proposal": pack, "confirmed_at": confirmedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return trace.Certificate{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.base+"/execute", bytes.NewReader(body))
	if err != nil {
		return trace.Certificate{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return trace.Certificate{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return trace.Certificate{}, fmt.Errorf("executor returned http %d", resp.StatusCode)
	}
	var cert trace.Certificate
	if err := json.NewDecoder(resp.Body).Decode(&cert); err != nil {
		return trace.Certificate{}, err
	}
	return cert, nil
}
