package auth

import "time"

type Role string

const (
	RoleClient     Role = "client"
	RoleWorker     Role = "worker"
	RoleArbitrator Role = "arbitrator"
	RoleOperator   Role = "operator"
)

// User is the domain representation of an account on the platform.
// It mirrors the users table and should not include JSON annotations so it
// can be reused by different presentation layers.
type User struct {
	ID            string
	Email         string
	FullName      string
	PasswordHash  string
	WalletAddress *string
	Role          Role
	Enabled       bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RegisterRequest contains user registration data supplied by callers.
type RegisterRequest struct {
	Email         string `json:"email"`
	Password      string `json:"password"`
	FullName      string `json:"full_name"`
	WalletAddress string `json:"wallet_address"`
	Role          Role   `json:"role"`
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
