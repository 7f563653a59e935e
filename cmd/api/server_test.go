package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"caseflow/auth"
	"caseflow/dispute"
)

type stubAuthService struct {
	registerUser *auth.User
	registerErr  error
	loginResult  auth.LoginResult
	loginErr     error
	verifyUserID string
	verifyRole   auth.Role
	verifyErr    error
	walletErr    error
}

func (s *stubAuthService) Register(_ context.Context, _ auth.RegisterRequest) (*auth.User, error) {
	return s.registerUser, s.registerErr
}

func (s *stubAuthService) Login(_ context.Context, _ auth.LoginRequest) (auth.LoginResult, error) {
	return s.loginResult, s.loginErr
}

func (s *stubAuthService) VerifyToken(_ string) (string, auth.Role, error) {
	return s.verifyUserID, s.verifyRole, s.verifyErr
}

func (s *stubAuthService) SetWalletAddress(_ context.Context, _, _ string) error {
	return s.walletErr
}

type stubCaseService struct {
	openCase    dispute.Case
	openErr     error
	evidence    dispute.Case
	evidenceErr error
	voteCase    dispute.Case
	voteErr     error
	viewCase    dispute.Case
	viewRounds  []dispute.Round
	viewErr     error
	page        dispute.CasePage
	pageErr     error
	assignments []dispute.Assignment
}

func (s *stubCaseService) Open(_ context.Context, _ dispute.OpenParams) (dispute.Case, error) {
	return s.openCase, s.openErr
}

func (s *stubCaseService) SubmitCounterEvidence(_ context.Context, _, _ string, _ dispute.Evidence, _ string) (dispute.Case, error) {
	return s.evidence, s.evidenceErr
}

func (s *stubCaseService) Cancel(_ context.Context, _, _ string) (dispute.Case, error) {
	return s.viewCase, s.viewErr
}

func (s *stubCaseService) RecordVote(_ context.Context, _ dispute.VoteParams) (dispute.Case, error) {
	return s.voteCase, s.voteErr
}

func (s *stubCaseService) Finalize(_ context.Context, _ string) (dispute.Case, error) {
	return s.viewCase, s.viewErr
}

func (s *stubCaseService) ClaimTimeoutWin(_ context.Context, _, _ string) (dispute.Case, error) {
	return s.viewCase, s.viewErr
}

func (s *stubCaseService) CaseWithRounds(_ context.Context, _, _ string, _ auth.Role) (dispute.Case, []dispute.Round, error) {
	return s.viewCase, s.viewRounds, s.viewErr
}

func (s *stubCaseService) CaseByJob(_ context.Context, _, _ string, _ auth.Role) (dispute.Case, []dispute.Round, error) {
	return s.viewCase, s.viewRounds, s.viewErr
}

func (s *stubCaseService) ActiveCases(_ context.Context, _, _ int) (dispute.CasePage, error) {
	return s.page, s.pageErr
}

func (s *stubCaseService) Assignments(_ context.Context, _ string) ([]dispute.Assignment, error) {
	return s.assignments, nil
}

func sampleCase() dispute.Case {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return dispute.Case{
		ID:               "case-1",
		JobID:            "job-1",
		PosterID:         "poster-1",
		WorkerID:         "worker-1",
		PosterEvidence:   dispute.Evidence{Description: "never delivered"},
		EvidenceDeadline: now.Add(48 * time.Hour),
		Status:           dispute.StatusPendingResponse,
		CreatedAt:        now,
	}
}

func doRequest(t *testing.T, handler http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestLoginSuccess(t *testing.T) {
	server := NewServer(&stubAuthService{
		loginResult: auth.LoginResult{
			Token: "tok",
			User:  auth.User{ID: "u1", Email: "a@b.c", Role: auth.RoleClient},
		},
	}, &stubCaseService{})

	rec := doRequest(t, server.Router(), http.MethodPost, "/api/auth/login", "",
		`{"email":"a@b.c","password":"secret123"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Token string       `json:"token"`
		User  userResponse `json:"user"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Token != "tok" || resp.User.ID != "u1" {
		t.Fatalf("unexpected payload: %+v", resp)
	}
}

func TestLoginInvalidCredentials(t *testing.T) {
	server := NewServer(&stubAuthService{loginErr: auth.ErrInvalidCredentials}, &stubCaseService{})
	rec := doRequest(t, server.Router(), http.MethodPost, "/api/auth/login", "",
		`{"email":"a@b.c","password":"wrong"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestOpenCaseRequiresToken(t *testing.T) {
	server := NewServer(&stubAuthService{}, &stubCaseService{})
	rec := doRequest(t, server.Router(), http.MethodPost, "/api/disputes", "",
		`{"job_id":"job-1","description":"x"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestOpenCaseSuccess(t *testing.T) {
	server := NewServer(
		&stubAuthService{verifyUserID: "poster-1", verifyRole: auth.RoleClient},
		&stubCaseService{openCase: sampleCase()},
	)

	rec := doRequest(t, server.Router(), http.MethodPost, "/api/disputes", "tok",
		`{"job_id":"job-1","description":"never delivered"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp caseResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "case-1" || resp.Status != string(dispute.StatusPendingResponse) {
		t.Fatalf("unexpected payload: %+v", resp)
	}
}

func TestOpenCaseMissingJobID(t *testing.T) {
	server := NewServer(
		&stubAuthService{verifyUserID: "poster-1", verifyRole: auth.RoleClient},
		&stubCaseService{},
	)
	rec := doRequest(t, server.Router(), http.MethodPost, "/api/disputes", "tok",
		`{"description":"x"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestOpenCaseConflict(t *testing.T) {
	server := NewServer(
		&stubAuthService{verifyUserID: "poster-1", verifyRole: auth.RoleClient},
		&stubCaseService{openErr: dispute.ErrActiveCaseExists},
	)
	rec := doRequest(t, server.Router(), http.MethodPost, "/api/disputes", "tok",
		`{"job_id":"job-1","description":"x"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestVoteRequiresArbitratorRole(t *testing.T) {
	server := NewServer(
		&stubAuthService{verifyUserID: "worker-1", verifyRole: auth.RoleWorker},
		&stubCaseService{},
	)
	rec := doRequest(t, server.Router(), http.MethodPost, "/api/disputes/case-1/vote", "tok",
		`{"round":1,"poster_wins":true}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestVoteByUnassignedArbitrator(t *testing.T) {
	server := NewServer(
		&stubAuthService{verifyUserID: "arb-9", verifyRole: auth.RoleArbitrator},
		&stubCaseService{voteErr: dispute.ErrNotAssigned},
	)
	rec := doRequest(t, server.Router(), http.MethodPost, "/api/disputes/case-1/vote", "tok",
		`{"round":1,"poster_wins":true}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestVoteAfterDeadlineConflicts(t *testing.T) {
	server := NewServer(
		&stubAuthService{verifyUserID: "arb-1", verifyRole: auth.RoleArbitrator},
		&stubCaseService{voteErr: dispute.ErrDeadlinePassed},
	)
	rec := doRequest(t, server.Router(), http.MethodPost, "/api/disputes/case-1/vote", "tok",
		`{"round":1,"poster_wins":false}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestGetCaseNotFound(t *testing.T) {
	server := NewServer(
		&stubAuthService{verifyUserID: "poster-1", verifyRole: auth.RoleClient},
		&stubCaseService{viewErr: dispute.ErrNotFound},
	)
	rec := doRequest(t, server.Router(), http.MethodGet, "/api/disputes/missing", "tok", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestGetCaseIncludesRounds(t *testing.T) {
	c := sampleCase()
	c.Status = dispute.StatusVotingRound1
	c.CurrentRound = 1
	server := NewServer(
		&stubAuthService{verifyUserID: "poster-1", verifyRole: auth.RoleClient},
		&stubCaseService{
			viewCase: c,
			viewRounds: []dispute.Round{{
				DisputeID:    "case-1",
				RoundNumber:  1,
				ArbitratorID: "arb-1",
				Status:       dispute.RoundAwaitingVote,
				VoteDeadline: c.EvidenceDeadline,
			}},
		},
	)

	rec := doRequest(t, server.Router(), http.MethodGet, "/api/disputes/case-1", "tok", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp caseResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Rounds) != 1 || resp.Rounds[0].ArbitratorID != "arb-1" {
		t.Fatalf("rounds missing from payload: %+v", resp)
	}
}

func TestListActiveRequiresOperator(t *testing.T) {
	server := NewServer(
		&stubAuthService{verifyUserID: "poster-1", verifyRole: auth.RoleClient},
		&stubCaseService{},
	)
	rec := doRequest(t, server.Router(), http.MethodGet, "/api/disputes", "tok", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestListActiveAsOperator(t *testing.T) {
	server := NewServer(
		&stubAuthService{verifyUserID: "op-1", verifyRole: auth.RoleOperator},
		&stubCaseService{page: dispute.CasePage{Cases: []dispute.Case{sampleCase()}, Total: 7, EligibleArbitrators: 5}},
	)
	rec := doRequest(t, server.Router(), http.MethodGet, "/api/disputes?limit=1", "tok", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Cases               []caseResponse `json:"cases"`
		Total               int            `json:"total"`
		EligibleArbitrators int            `json:"eligible_arbitrators"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Total != 7 || len(resp.Cases) != 1 {
		t.Fatalf("unexpected page: %+v", resp)
	}
	if resp.EligibleArbitrators != 5 {
		t.Fatalf("eligible_arbitrators = %d, want 5", resp.EligibleArbitrators)
	}
}

func TestAssignmentsRequiresArbitrator(t *testing.T) {
	server := NewServer(
		&stubAuthService{verifyUserID: "poster-1", verifyRole: auth.RoleClient},
		&stubCaseService{},
	)
	rec := doRequest(t, server.Router(), http.MethodGet, "/api/assignments", "tok", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestSetWallet(t *testing.T) {
	server := NewServer(
		&stubAuthService{verifyUserID: "worker-1", verifyRole: auth.RoleWorker},
		&stubCaseService{},
	)
	rec := doRequest(t, server.Router(), http.MethodPut, "/api/me/wallet", "tok",
		`{"wallet_address":"0xabc"}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}

	rec = doRequest(t, server.Router(), http.MethodPut, "/api/me/wallet", "tok", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty wallet, got %d", rec.Code)
	}
}
