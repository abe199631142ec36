package agentloop

import (
	"context"

	"gatekernel/pkg/domain"
)

// AllowlistGate enforces the connector allowlist in front of whatever
// transport actually reaches the network. The inner executor is an
// external collaborator; the gate is the only path the loop may use.
type AllowlistGate struct {
	allowed map[string]bool
	inner   func(ctx context.Context, req ToolRequest) (ToolResponse, error)
}

func NewAllowlistGate(connectorIDs []string, inner func(ctx context.Context, req ToolRequest) (ToolResponse, error)) *AllowlistGate {
	allowed := make(map[string]bool, len(connectorIDs))
	for _, id := range connectorIDs {
		allowed[id] = true
	}
	return &AllowlistGate{allowed: allowed, inner: inner}
}

func (g *AllowlistGate) Execute(ctx context.Context, req ToolRequest) (ToolResponse, error) {
	if !g.allowed[req.ConnectorID] {
		return ToolResponse{}, &domain.NetworkBlockedError{ConnectorID: req.ConnectorID}
	}
	if g.inner == nil {
		return ToolResponse{}, &domain.NetworkBlockedError{ConnectorID: req.ConnectorID}
	}
	return g.inner(ctx, req)
}
