package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrUserNotFound signals that the user does not exist.
	ErrUserNotFound = errors.New("auth: user not found")
	// ErrDuplicateEmail signals that the email is already registered.
	ErrDuplicateEmail = errors.New("auth: email already exists")
)

// Repository handles data access for authentication.
type Repository interface {
	CreateUser(ctx context.Context, params CreateUserParams) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetUserByID(ctx context.Context, userID string) (User, error)
	UpdateWalletAddress(ctx context.Context, userID, wallet string) error
}

// CreateUserParams contains write parameters for creating users.
type CreateUserParams struct {
	Email         string
	FullName      string
	PasswordHash  string
	WalletAddress *string
	Role          Role
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed auth repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// CreateUser inserts a new user with hashed password.
func (r *PGRepository) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	const insertSQL = `
		INSERT INTO users (email, full_name, password_hash, wallet_address, role)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, email, full_name, password_hash, wallet_address, role, enabled, created_at, updated_at
	`

	user, err := scanUser(r.pool.QueryRow(ctx, insertSQL, params.Email, params.FullName, params.PasswordHash, params.WalletAddress, params.Role))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return User{}, ErrDuplicateEmail
		}
		return User{}, fmt.Errorf("auth: create user: %w", err)
	}
	return user, nil
}

// GetUserByEmail fetches a user by email.
func (r *PGRepository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	const query = `
		SELECT id, email, full_name, password_hash, wallet_address, role, enabled, created_at, updated_at
		FROM users
		WHERE email = $1
	`

	user, err := scanUser(r.pool.QueryRow(ctx, query, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("auth: get user by email: %w", err)
	}
	return user, nil
}

// GetUserByID fetches a user by primary key.
func (r *PGRepository) GetUserByID(ctx context.Context, userID string) (User, error) {
	const query = `
		SELECT id, email, full_name, password_hash, wallet_address, role, enabled, created_at, updated_at
		FROM users
		WHERE id = $1
	`

	user, err := scanUser(r.pool.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("auth: get user by id: %w", err)
	}
	return user, nil
}

// UpdateWalletAddress overwrites the user's ledger wallet.
func (r *PGRepository) UpdateWalletAddress(ctx context.Context, userID, wallet string) error {
	const query = `
		UPDATE users
		SET wallet_address = $2, updated_at = NOW()
		WHERE id = $1
	`

	tag, err := r.pool.Exec(ctx, query, userID, wallet)
	if err != nil {
		return fmt.Errorf("auth: update wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func scanUser(row pgx.Row) (User, error) {
	var user User
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.FullName,
		&user.PasswordHash,
		&user.WalletAddress,
		&user.Role,
		&user.Enabled,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	return user, err
}
