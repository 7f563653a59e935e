package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials signals wrong email or password.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = errors.New("auth: password must be at least 8 characters")
	// ErrValidation signals a malformed registration request.
	ErrValidation = errors.New("auth: invalid request")
)

// Service handles authentication business logic.
type Service struct {
	repo      Repository
	jwtSecret []byte
}

// LoginResult bundles the token and domain user returned after a successful login.
type LoginResult struct {
	Token string
	User  User
}

// NewService creates a new authentication service.
func NewService(repo Repository, jwtSecret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
	}
}

// Register creates a new user account.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	if len(req.Password) < 8 {
		return nil, ErrWeakPassword
	}
	if req.Email == "" || req.FullName == "" {
		return nil, fmt.Errorf("%w: email and full_name are required", ErrValidation)
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}

	role := Role(strings.TrimSpace(string(req.Role)))
	if role == "" {
		role = RoleClient
	}
	if !isValidRole(role) {
		return nil, fmt.Errorf("%w: unknown role %q", ErrValidation, role)
	}

	var wallet *string
	if w := strings.TrimSpace(req.WalletAddress); w != "" {
		wallet = &w
	}

	user, err := s.repo.CreateUser(ctx, CreateUserParams{
		Email:         req.Email,
		FullName:      req.FullName,
		PasswordHash:  string(passwordHash),
		WalletAddress: wallet,
		Role:          role,
	})
	if err != nil {
		return nil, err
	}

	return &user, nil
}

// Login authenticates a user and returns a JWT token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	user, err := s.repo.GetUserByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	err = bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password))
	if err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, err := s.generateToken(user.ID, user.Role)
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: generate token: %w", err)
	}

	return LoginResult{
		Token: token,
		User:  user,
	}, nil
}

// GetUserByID retrieves user information by ID.
func (s *Service) GetUserByID(ctx context.Context, userID string) (*User, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// SetWalletAddress records a party's ledger wallet. Disputes snapshot this
// value when they are filed, so updating it never rewrites history.
func (s *Service) SetWalletAddress(ctx context.Context, userID, wallet string) error {
	wallet = strings.TrimSpace(wallet)
	if wallet == "" {
		return fmt.Errorf("auth: empty wallet address")
	}
	return s.repo.UpdateWalletAddress(ctx, userID, wallet)
}

// VerifyToken validates a JWT token and returns the user ID and role.
func (s *Service) VerifyToken(tokenString string) (string, Role, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})

	if err != nil {
		return "", "", fmt.Errorf("auth: parse token: %w", err)
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		userID, ok := claims["user_id"].(string)
		if !ok {
			return "", "", fmt.Errorf("auth: invalid user_id in token")
		}
		roleStr, ok := claims["role"].(string)
		if !ok {
			return "", "", fmt.Errorf("auth: invalid role in token")
		}
		role := Role(roleStr)
		if !isValidRole(role) {
			return "", "", fmt.Errorf("auth: invalid role %q in token", roleStr)
		}
		return userID, role, nil
	}

	return "", "", fmt.Errorf("auth: invalid token")
}

// generateToken creates a JWT token for the user.
func (s *Service) generateToken(userID string, role Role) (string, error) {
	claims := jwt.MapClaims{
		"user_id": userID,
		"role":    role,
		"exp":     time.Now().Add(24 * time.Hour).Unix(),
		"iat":     time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", err
	}

	return tokenString, nil
}

func isValidRole(role Role) bool {
	switch role {
	case RoleClient, RoleWorker, RoleArbitrator, RoleOperator:
		return true
	default:
		return false
	}
}
