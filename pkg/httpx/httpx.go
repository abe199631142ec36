// Package httpx carries the JSON response envelope shared by the gov
// service and its client: request ids, strict body decoding, and the
// mapping from governance failure codes to HTTP statuses.
package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"gatekernel/pkg/domain"
)

func NewRequestID() string { return "req_" + uuid.NewString() }

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ReadJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func WriteError(w http.ResponseWriter, status int, code, message string, details any) {
	resp := map[string]any{
		"request_id": NewRequestID(),
		"error": map[string]any{
			"code": code, "message": message, "details": details,
		},
	}
	WriteJSON(w, status, resp)
}

// WriteGovernanceError maps taxonomy errors onto statuses. Anything
// outside the taxonomy is a plain 500.
func WriteGovernanceError(w http.ResponseWriter, err error) {
	code := domain.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case domain.CodePolicyDenied, domain.CodeDeviceNotTrusted, domain.CodeKeyRevoked, domain.CodeNetworkBlocked:
		status = http.StatusForbidden
	case domain.CodeConfirmationExpired, domain.CodeConfirmationOutOfOrder:
		status = http.StatusConflict
	case domain.CodeToolBudgetExceeded:
		status = http.StatusTooManyRequests
	case domain.CodeLockdown:
		status = http.StatusLocked
	case domain.CodeChainIntegrityViolation, domain.CodeMirrorDivergence:
		status = http.StatusInternalServerError
	case "":
		WriteError(w, status, "INTERNAL", err.Error(), nil)
		return
	}
	WriteError(w, status, string(code), err.Error(), nil)
}
