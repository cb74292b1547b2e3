package server

import (
	"errors"
	"fmt"
	"net/http"

	"faucetrelay/services/faucetd/engine"
)

type errorResponse struct {
	Success   bool    `json:"success"`
	Error     string  `json:"error"`
	WaitTime  int64   `json:"waitTime,omitempty"`
	HoursLeft float64 `json:"hoursLeft,omitempty"`
	NextClaim int64   `json:"nextClaim,omitempty"`
	Reason    string  `json:"reason,omitempty"`
}

// writeEngineError translates engine errors into HTTP responses. Raw transport
// and crypto errors never reach the body.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var (
		cooldown   *engine.CooldownError
		submission *engine.SubmissionError
	)
	switch {
	case errors.As(err, &cooldown):
		message := fmt.Sprintf("Please wait %.2f hours", cooldown.HoursLeft())
		if cooldown.Kind == engine.CooldownClaimed {
			message = fmt.Sprintf("Already claimed within 24 hours. Wait %.2f hours", cooldown.HoursLeft())
		}
		writeJSON(w, http.StatusTooManyRequests, errorResponse{
			Error:     message,
			WaitTime:  int64(cooldown.Remaining.Seconds()),
			HoursLeft: cooldown.HoursLeft(),
			NextClaim: cooldown.NextEligible.Unix(),
			Reason:    string(cooldown.Kind),
		})
	case errors.As(err, &submission):
		s.logger.Error("relay submission rejected", "reason", string(submission.Reason), "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Error:  submission.Message(),
			Reason: string(submission.Reason),
		})
	case errors.Is(err, engine.ErrInvalidAddress):
		writeFailure(w, http.StatusBadRequest, "Invalid wallet address format")
	case errors.Is(err, engine.ErrInvalidSignature):
		writeFailure(w, http.StatusBadRequest, "Invalid signature format")
	case errors.Is(err, engine.ErrInvalidNonce):
		writeFailure(w, http.StatusBadRequest, "Invalid nonce")
	case errors.Is(err, engine.ErrInvalidAdToken):
		writeFailure(w, http.StatusBadRequest, "Invalid ad token")
	case errors.Is(err, engine.ErrVoucherExpired):
		writeFailure(w, http.StatusBadRequest, "Signature expired")
	case errors.Is(err, engine.ErrGatewayUnavailable):
		s.logger.Warn("blockchain rpc unavailable", "error", err)
		writeFailure(w, http.StatusServiceUnavailable, "Blockchain RPC connection failed. Please try again later.")
	case errors.Is(err, engine.ErrWrongChain):
		s.logger.Error("rpc endpoint serves the wrong chain", "error", err)
		writeFailure(w, http.StatusInternalServerError, "Faucet is misconfigured for this network")
	case errors.Is(err, engine.ErrSigningUnavailable):
		s.logger.Error("signing unavailable", "error", err)
		writeFailure(w, http.StatusServiceUnavailable, "Signing service unavailable")
	default:
		s.logger.Error("request failed", "error", err)
		writeFailure(w, http.StatusInternalServerError, "Internal server error")
	}
}

func writeFailure(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
