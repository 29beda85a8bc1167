package agent

import (
	"encoding/json"
	"net/http"

	x402escrow "github.com/hamiha70/x402-escrow-sub002"
	"github.com/hamiha70/x402-escrow-sub002/logger"
)

// NewHandler exposes an agent over HTTP for remote facilitators. Payment
// rejections come back as 200s with a failed settlement body; only agent
// faults produce 5xx, which clients read as unavailability.
func NewHandler(a *Agent, log logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewNopLogger()
	}
	mux := http.NewServeMux()

	mux.HandleFunc("/settle", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req settleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusOK, x402escrow.SettleResponse{
				Status:      x402escrow.StatusFailed,
				ErrorCode:   x402escrow.CodeMalformedPayload,
				ErrorReason: err.Error(),
			})
			return
		}

		response, err := a.Settle(r.Context(), req.Intent, req.Signature)
		if err != nil {
			writeJSON(w, http.StatusOK, x402escrow.SettleResponse{
				Status:      x402escrow.StatusFailed,
				Amount:      req.Intent.Amount,
				Seller:      req.Intent.Seller,
				ChainID:     req.Intent.ChainID,
				ErrorCode:   x402escrow.CodeForError(err),
				ErrorReason: err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, response)
	})

	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, a.Stats())
	})

	mux.HandleFunc("/ledger-hash", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, map[string]string{"ledgerHash": a.ledger.LedgerHash()})
		case http.MethodPost:
			if err := a.PublishLedgerHash(r.Context()); err != nil {
				log.Error("failed to publish ledger hash", map[string]any{"error": err.Error()})
				http.Error(w, "publish failed", http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
