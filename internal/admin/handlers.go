package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// recentOperationsLimit bounds the activity list in a usage report.
const recentOperationsLimit = 20

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	token, expiresAt, err := s.auth.Login(req.Username, req.Password)
	if err != nil {
		s.logger.Warn().Str("username", req.Username).Msg("Failed login attempt")
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	writeJSON(w, http.StatusOK, LoginResponse{Token: token, ExpiresAt: expiresAt})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	total, premium, err := s.store.Users().CountByTier(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to count users")
		writeError(w, http.StatusInternalServerError, "Failed to compute stats")
		return
	}

	today := s.tracker.Day(time.Now())
	opsToday, err := s.store.Operations().CountForDate(ctx, today)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to count operations")
		writeError(w, http.StatusInternalServerError, "Failed to compute stats")
		return
	}

	resp := StatsResponse{
		TotalUsers:      total,
		PremiumUsers:    premium,
		OperationsToday: opsToday,
	}
	if total > 0 {
		resp.ConversionRate = float64(premium) / float64(total)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.Users().List(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list users")
		writeError(w, http.StatusInternalServerError, "Failed to list users")
		return
	}

	out := make([]UserSummary, 0, len(users))
	for _, u := range users {
		out = append(out, UserSummary{
			UserID:     u.UserID,
			Username:   u.Username,
			Tier:       string(u.Tier),
			JoinedAt:   u.JoinedAt,
			LastSeenAt: u.LastSeenAt,
		})
	}

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUserUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := mux.Vars(r)["id"]

	stats, err := s.tracker.StatsFor(ctx, userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user", userID).Msg("Failed to read usage")
		writeError(w, http.StatusInternalServerError, "Failed to read usage")
		return
	}

	recent, err := s.store.Operations().ListForUser(ctx, userID, recentOperationsLimit)
	if err != nil {
		s.logger.Error().Err(err).Str("user", userID).Msg("Failed to list operations")
		writeError(w, http.StatusInternalServerError, "Failed to read usage")
		return
	}

	resp := UserUsageResponse{
		UserID:    userID,
		Tier:      string(stats.Tier),
		Day:       stats.Day,
		Used:      stats.Used,
		Ceiling:   stats.Ceiling,
		Remaining: stats.Remaining,
		Recent:    make([]OperationSummary, 0, len(recent)),
	}
	for _, op := range recent {
		resp.Recent = append(resp.Recent, OperationSummary{
			Kind:        op.Kind,
			Outcome:     string(op.Outcome),
			Charged:     op.Charged,
			Timestamp:   op.Timestamp,
			InputBytes:  op.InputBytes,
			OutputBytes: op.OutputBytes,
			DurationMS:  op.DurationMS,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}
