package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"caseflow/arbiter"
	"caseflow/auth"
	"caseflow/dispute"
	"caseflow/job"
	"caseflow/ledger"
)

// AuthService is the slice of the auth package the server needs.
type AuthService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, auth.Role, error)
	SetWalletAddress(ctx context.Context, userID, wallet string) error
}

// CaseService is the dispute surface exposed over HTTP.
type CaseService interface {
	Open(ctx context.Context, p dispute.OpenParams) (dispute.Case, error)
	SubmitCounterEvidence(ctx context.Context, caseID, workerID string, ev dispute.Evidence, wallet string) (dispute.Case, error)
	Cancel(ctx context.Context, caseID, actorID string) (dispute.Case, error)
	RecordVote(ctx context.Context, p dispute.VoteParams) (dispute.Case, error)
	Finalize(ctx context.Context, caseID string) (dispute.Case, error)
	ClaimTimeoutWin(ctx context.Context, caseID, actorID string) (dispute.Case, error)
	CaseWithRounds(ctx context.Context, caseID, actorID string, role auth.Role) (dispute.Case, []dispute.Round, error)
	CaseByJob(ctx context.Context, jobID, actorID string, role auth.Role) (dispute.Case, []dispute.Round, error)
	ActiveCases(ctx context.Context, limit, offset int) (dispute.CasePage, error)
	Assignments(ctx context.Context, arbitratorID string) ([]dispute.Assignment, error)
}

type Server struct {
	authService AuthService
	caseService CaseService
	log         *logrus.Entry
}

func NewServer(authService AuthService, caseService CaseService) *Server {
	return &Server{
		authService: authService,
		caseService: caseService,
		log:         logrus.WithField("component", "api"),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/api/auth/register", s.handleRegister)
	r.Post("/api/auth/login", s.handleLogin)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Put("/api/me/wallet", s.handleSetWallet)

		r.Post("/api/disputes", s.handleOpenCase)
		r.Get("/api/disputes", s.handleListActive)
		r.Get("/api/disputes/{caseID}", s.handleGetCase)
		r.Post("/api/disputes/{caseID}/evidence", s.handleCounterEvidence)
		r.Post("/api/disputes/{caseID}/cancel", s.handleCancel)
		r.Post("/api/disputes/{caseID}/vote", s.handleVote)
		r.Post("/api/disputes/{caseID}/claim", s.handleClaim)
		r.Post("/api/disputes/{caseID}/finalize", s.handleFinalize)
		r.Get("/api/jobs/{jobID}/dispute", s.handleCaseByJob)
		r.Get("/api/assignments", s.handleAssignments)
	})

	return r
}

type ctxKey int

const (
	ctxUserID ctxKey = iota
	ctxRole
)

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, role, err := s.authService.VerifyToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxUserID, userID)
		ctx = context.WithValue(ctx, ctxRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func caller(r *http.Request) (string, auth.Role) {
	userID, _ := r.Context().Value(ctxUserID).(string)
	role, _ := r.Context().Value(ctxRole).(auth.Role)
	return userID, role
}

type userResponse struct {
	ID            string  `json:"id"`
	Email         string  `json:"email"`
	FullName      string  `json:"full_name"`
	WalletAddress *string `json:"wallet_address,omitempty"`
	Role          string  `json:"role"`
}

func toUserResponse(u auth.User) userResponse {
	return userResponse{
		ID:            u.ID,
		Email:         u.Email,
		FullName:      u.FullName,
		WalletAddress: u.WalletAddress,
		Role:          string(u.Role),
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": result.Token,
		"user":  toUserResponse(result.User),
	})
}

func (s *Server) handleSetWallet(w http.ResponseWriter, r *http.Request) {
	userID, _ := caller(r)
	var req struct {
		WalletAddress string `json:"wallet_address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WalletAddress == "" {
		writeError(w, http.StatusBadRequest, "wallet_address is required")
		return
	}
	if err := s.authService.SetWalletAddress(r.Context(), userID, req.WalletAddress); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type evidenceResponse struct {
	Description string  `json:"description"`
	Ref         *string `json:"ref,omitempty"`
}

type roundResponse struct {
	RoundNumber      int     `json:"round_number"`
	ArbitratorID     string  `json:"arbitrator_id"`
	Status           string  `json:"status"`
	SelectedAt       string  `json:"selected_at"`
	VoteDeadline     string  `json:"vote_deadline"`
	VotedAt          *string `json:"voted_at,omitempty"`
	WinnerIsPoster   *bool   `json:"winner_is_poster,omitempty"`
	ReselectionCount int     `json:"reselection_count"`
}

type caseResponse struct {
	ID               string            `json:"id"`
	JobID            string            `json:"job_id"`
	PosterID         string            `json:"poster_id"`
	WorkerID         string            `json:"worker_id"`
	Status           string            `json:"status"`
	CurrentRound     int               `json:"current_round"`
	PosterEvidence   evidenceResponse  `json:"poster_evidence"`
	WorkerEvidence   *evidenceResponse `json:"worker_evidence,omitempty"`
	EvidenceDeadline string            `json:"evidence_deadline"`
	PosterWins       *bool             `json:"poster_wins,omitempty"`
	WinnerWallet     *string           `json:"winner_wallet,omitempty"`
	SettlementTxHash *string           `json:"settlement_tx_hash,omitempty"`
	Settled          bool              `json:"settled"`
	CreatedAt        string            `json:"created_at"`
	Rounds           []roundResponse   `json:"rounds,omitempty"`
}

func toRoundResponse(rd dispute.Round) roundResponse {
	resp := roundResponse{
		RoundNumber:      rd.RoundNumber,
		ArbitratorID:     rd.ArbitratorID,
		Status:           string(rd.Status),
		SelectedAt:       rd.SelectedAt.Format(time.RFC3339),
		VoteDeadline:     rd.VoteDeadline.Format(time.RFC3339),
		WinnerIsPoster:   rd.WinnerIsPoster,
		ReselectionCount: rd.ReselectionCount,
	}
	if rd.VotedAt != nil {
		v := rd.VotedAt.Format(time.RFC3339)
		resp.VotedAt = &v
	}
	return resp
}

func toCaseResponse(c dispute.Case, rounds []dispute.Round) caseResponse {
	resp := caseResponse{
		ID:               c.ID,
		JobID:            c.JobID,
		PosterID:         c.PosterID,
		WorkerID:         c.WorkerID,
		Status:           string(c.Status),
		CurrentRound:     c.CurrentRound,
		PosterEvidence:   evidenceResponse{Description: c.PosterEvidence.Description, Ref: c.PosterEvidence.Ref},
		EvidenceDeadline: c.EvidenceDeadline.Format(time.RFC3339),
		PosterWins:       c.PosterWins,
		WinnerWallet:     c.FinalWinnerWallet,
		SettlementTxHash: c.SettlementTxHash,
		Settled:          c.Settled,
		CreatedAt:        c.CreatedAt.Format(time.RFC3339),
	}
	if c.WorkerEvidence != nil {
		resp.WorkerEvidence = &evidenceResponse{
			Description: c.WorkerEvidence.Description,
			Ref:         c.WorkerEvidence.Ref,
		}
	}
	for _, rd := range rounds {
		resp.Rounds = append(resp.Rounds, toRoundResponse(rd))
	}
	return resp
}

func (s *Server) handleOpenCase(w http.ResponseWriter, r *http.Request) {
	userID, _ := caller(r)
	var req struct {
		JobID         string  `json:"job_id"`
		Description   string  `json:"description"`
		EvidenceRef   *string `json:"evidence_ref"`
		WalletAddress string  `json:"wallet_address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.JobID == "" {
		writeError(w, http.StatusBadRequest, "job_id is required")
		return
	}
	c, err := s.caseService.Open(r.Context(), dispute.OpenParams{
		JobID:       req.JobID,
		FilerID:     userID,
		Description: req.Description,
		EvidenceRef: req.EvidenceRef,
		Wallet:      req.WalletAddress,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCaseResponse(c, nil))
}

func (s *Server) handleGetCase(w http.ResponseWriter, r *http.Request) {
	userID, role := caller(r)
	c, rounds, err := s.caseService.CaseWithRounds(r.Context(), chi.URLParam(r, "caseID"), userID, role)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCaseResponse(c, rounds))
}

func (s *Server) handleCaseByJob(w http.ResponseWriter, r *http.Request) {
	userID, role := caller(r)
	c, rounds, err := s.caseService.CaseByJob(r.Context(), chi.URLParam(r, "jobID"), userID, role)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCaseResponse(c, rounds))
}

func (s *Server) handleCounterEvidence(w http.ResponseWriter, r *http.Request) {
	userID, _ := caller(r)
	var req struct {
		Description   string  `json:"description"`
		EvidenceRef   *string `json:"evidence_ref"`
		WalletAddress string  `json:"wallet_address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	c, err := s.caseService.SubmitCounterEvidence(r.Context(), chi.URLParam(r, "caseID"), userID,
		dispute.Evidence{Description: req.Description, Ref: req.EvidenceRef}, req.WalletAddress)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCaseResponse(c, nil))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	userID, _ := caller(r)
	c, err := s.caseService.Cancel(r.Context(), chi.URLParam(r, "caseID"), userID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCaseResponse(c, nil))
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	userID, role := caller(r)
	if role != auth.RoleArbitrator {
		writeError(w, http.StatusForbidden, "arbitrator role required")
		return
	}
	var req struct {
		Round      int  `json:"round"`
		PosterWins bool `json:"poster_wins"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Round < 1 {
		writeError(w, http.StatusBadRequest, "round must be positive")
		return
	}
	c, err := s.caseService.RecordVote(r.Context(), dispute.VoteParams{
		CaseID:       chi.URLParam(r, "caseID"),
		RoundNumber:  req.Round,
		ArbitratorID: userID,
		PosterWins:   req.PosterWins,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCaseResponse(c, nil))
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	userID, _ := caller(r)
	c, err := s.caseService.ClaimTimeoutWin(r.Context(), chi.URLParam(r, "caseID"), userID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCaseResponse(c, nil))
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	_, role := caller(r)
	if role != auth.RoleOperator {
		writeError(w, http.StatusForbidden, "operator role required")
		return
	}
	c, err := s.caseService.Finalize(r.Context(), chi.URLParam(r, "caseID"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCaseResponse(c, nil))
}

func (s *Server) handleListActive(w http.ResponseWriter, r *http.Request) {
	_, role := caller(r)
	if role != auth.RoleOperator {
		writeError(w, http.StatusForbidden, "operator role required")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	page, err := s.caseService.ActiveCases(r.Context(), limit, offset)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	cases := make([]caseResponse, 0, len(page.Cases))
	for _, c := range page.Cases {
		cases = append(cases, toCaseResponse(c, nil))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cases":                cases,
		"total":                page.Total,
		"eligible_arbitrators": page.EligibleArbitrators,
	})
}

func (s *Server) handleAssignments(w http.ResponseWriter, r *http.Request) {
	userID, role := caller(r)
	if role != auth.RoleArbitrator {
		writeError(w, http.StatusForbidden, "arbitrator role required")
		return
	}
	assignments, err := s.caseService.Assignments(r.Context(), userID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	out := make([]caseResponse, 0, len(assignments))
	for _, a := range assignments {
		out = append(out, toCaseResponse(a.Case, []dispute.Round{a.Round}))
	}
	writeJSON(w, http.StatusOK, map[string]any{"assignments": out})
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispute.ErrNotFound),
		errors.Is(err, job.ErrNotFound),
		errors.Is(err, auth.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, dispute.ErrNotPoster),
		errors.Is(err, dispute.ErrNotWorker),
		errors.Is(err, dispute.ErrNotAssigned),
		errors.Is(err, dispute.ErrNotParticipant):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, dispute.ErrEvidenceRequired),
		errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, auth.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, auth.ErrDuplicateEmail):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, dispute.ErrActiveCaseExists),
		errors.Is(err, dispute.ErrBadState),
		errors.Is(err, dispute.ErrDeadlinePassed),
		errors.Is(err, dispute.ErrDeadlineNotPassed),
		errors.Is(err, dispute.ErrJobNotDisputable),
		errors.Is(err, dispute.ErrNoMajority),
		errors.Is(err, dispute.ErrRoundExists),
		errors.Is(err, job.ErrBadStatus):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, arbiter.ErrQuorumUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, ledger.ErrSettlementTimeout),
		errors.Is(err, ledger.ErrSettlementRejected),
		errors.Is(err, ledger.ErrNodeUnavailable):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.log.WithError(err).Error("unhandled service error")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
