package auth

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestService_RegisterAndLogin(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	req := RegisterRequest{
		Email:         "vera@example.com",
		Password:      "supersafe",
		FullName:      "Vera Arbitrator",
		WalletAddress: "0xabc123",
		Role:          RoleArbitrator,
	}

	ctx := context.Background()
	user, err := svc.Register(ctx, req)
	if err != nil {
		t.Fatalf("register: unexpected error: %v", err)
	}

	if user.Email != req.Email {
		t.Fatalf("expected email %q got %q", req.Email, user.Email)
	}
	if user.Role != RoleArbitrator {
		t.Fatalf("register: expected role %s got %s", RoleArbitrator, user.Role)
	}
	if user.WalletAddress == nil || *user.WalletAddress != "0xabc123" {
		t.Fatalf("register: wallet address not stored: %v", user.WalletAddress)
	}

	resp, err := svc.Login(ctx, LoginRequest{Email: req.Email, Password: req.Password})
	if err != nil {
		t.Fatalf("login: unexpected error: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("login: expected token, got empty string")
	}

	tokenUserID, tokenRole, err := svc.VerifyToken(resp.Token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if tokenUserID != user.ID {
		t.Fatalf("verify token: expected %q got %q", user.ID, tokenUserID)
	}
	if tokenRole != RoleArbitrator {
		t.Fatalf("verify token: expected role %s got %s", RoleArbitrator, tokenRole)
	}
}

func TestService_RegisterDefaultsToClient(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	user, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "pat@example.com",
		Password: "strongpassword",
		FullName: "Pat Poster",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if user.Role != RoleClient {
		t.Fatalf("expected default role %s got %s", RoleClient, user.Role)
	}
	if user.WalletAddress != nil {
		t.Fatalf("expected no wallet, got %v", *user.WalletAddress)
	}
}

func TestService_RegisterValidation(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	_, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "vera@example.com",
		Password: "short",
		FullName: "Vera Arbitrator",
	})
	if !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "",
		Password: "strongpassword",
		FullName: "",
	}); err == nil {
		t.Fatal("expected validation error for missing fields")
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "x@example.com",
		Password: "strongpassword",
		FullName: "X",
		Role:     Role("superuser"),
	}); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestService_LoginInvalidCredentials(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	_, err := svc.Login(context.Background(), LoginRequest{
		Email:    "unknown@example.com",
		Password: "irrelevant",
	})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "vera@example.com",
		Password: "correcthorse",
		FullName: "Vera Arbitrator",
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err = svc.Login(context.Background(), LoginRequest{
		Email:    "vera@example.com",
		Password: "wrongpassword",
	})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for wrong password, got %v", err)
	}
}

func TestService_SetWalletAddress(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	user, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "pat@example.com",
		Password: "strongpassword",
		FullName: "Pat Poster",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := svc.SetWalletAddress(context.Background(), user.ID, "0xfeed"); err != nil {
		t.Fatalf("set wallet: %v", err)
	}

	got, err := svc.GetUserByID(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if got.WalletAddress == nil || *got.WalletAddress != "0xfeed" {
		t.Fatalf("wallet not updated: %v", got.WalletAddress)
	}

	if err := svc.SetWalletAddress(context.Background(), user.ID, "  "); err == nil {
		t.Fatal("expected error for blank wallet")
	}
}

type fakeRepository struct {
	byEmail map[string]User
	byID    map[string]User
	nextID  int
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		byEmail: make(map[string]User),
		byID:    make(map[string]User),
	}
}

func (f *fakeRepository) CreateUser(_ context.Context, params CreateUserParams) (User, error) {
	if _, exists := f.byEmail[params.Email]; exists {
		return User{}, ErrDuplicateEmail
	}
	f.nextID++
	user := User{
		ID:            fmt.Sprintf("user-%d", f.nextID),
		Email:         params.Email,
		FullName:      params.FullName,
		PasswordHash:  params.PasswordHash,
		WalletAddress: params.WalletAddress,
		Role:          params.Role,
		Enabled:       true,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	f.byEmail[user.Email] = user
	f.byID[user.ID] = user
	return user, nil
}

func (f *fakeRepository) GetUserByEmail(_ context.Context, email string) (User, error) {
	user, ok := f.byEmail[email]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (f *fakeRepository) GetUserByID(_ context.Context, userID string) (User, error) {
	user, ok := f.byID[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (f *fakeRepository) UpdateWalletAddress(_ context.Context, userID, wallet string) error {
	user, ok := f.byID[userID]
	if !ok {
		return ErrUserNotFound
	}
	user.WalletAddress = &wallet
	f.byID[userID] = user
	f.byEmail[user.Email] = user
	return nil
}
