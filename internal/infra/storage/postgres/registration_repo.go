package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vietddude/udeposit/internal/core/domain"
)

// RegistrationRepo implements storage.RegistrationRepository using PostgreSQL.
type RegistrationRepo struct {
	db *DB
}

// NewRegistrationRepo creates a new PostgreSQL registration repository.
func NewRegistrationRepo(db *DB) *RegistrationRepo {
	return &RegistrationRepo{db: db}
}

// Save stores a registration, replacing any existing entry for the recipient.
func (r *RegistrationRepo) Save(ctx context.Context, reg *domain.Registration) error {
	query := `
		INSERT INTO registrations (recipient_address, deposit_address, destination_token, destination_chain_id, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (recipient_address) DO UPDATE SET
			deposit_address      = EXCLUDED.deposit_address,
			destination_token    = EXCLUDED.destination_token,
			destination_chain_id = EXCLUDED.destination_chain_id
	`
	_, err := r.db.ExecContext(ctx, query,
		reg.RecipientAddress, reg.DepositAddress, reg.DestinationToken, uint64(reg.DestinationChain))
	if err != nil {
		return fmt.Errorf("failed to save registration: %w", err)
	}
	return nil
}

// GetByRecipient retrieves a registration. Returns nil if not found.
func (r *RegistrationRepo) GetByRecipient(ctx context.Context, recipient string) (*domain.Registration, error) {
	var reg domain.Registration
	err := r.db.GetContext(ctx, &reg,
		`SELECT * FROM registrations WHERE LOWER(recipient_address) = LOWER($1)`, recipient)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get registration: %w", err)
	}
	return &reg, nil
}

// GetAll retrieves every active registration.
func (r *RegistrationRepo) GetAll(ctx context.Context) ([]*domain.Registration, error) {
	var regs []*domain.Registration
	err := r.db.SelectContext(ctx, &regs, `SELECT * FROM registrations ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to get registrations: %w", err)
	}
	return regs, nil
}

// Delete removes a recipient's registration.
func (r *RegistrationRepo) Delete(ctx context.Context, recipient string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM registrations WHERE LOWER(recipient_address) = LOWER($1)`, recipient)
	if err != nil {
		return fmt.Errorf("failed to delete registration: %w", err)
	}
	return nil
}
