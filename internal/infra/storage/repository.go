package storage

import (
	"context"

	"github.com/vietddude/udeposit/internal/core/domain"
)

// OrderRepository handles order persistence. Orders are never deleted:
// terminal and exhausted-retry orders stay for audit.
type OrderRepository interface {
	// Upsert inserts the order or updates its mutable fields, keyed by
	// order ID. UpdatedAt is bumped on every write.
	Upsert(ctx context.Context, order *domain.Order) error

	// GetByID retrieves an order by its deterministic ID.
	// Returns nil if not found.
	GetByID(ctx context.Context, orderID string) (*domain.Order, error)

	// GetByStatus retrieves all orders in a given status.
	GetByStatus(ctx context.Context, status domain.OrderStatus) ([]*domain.Order, error)

	// GetByRecipient retrieves all orders for a recipient address.
	GetByRecipient(ctx context.Context, recipient string) ([]*domain.Order, error)
}

// RegistrationRepository handles the watched-recipient registry the
// balance detector scans.
type RegistrationRepository interface {
	// Save stores a registration, replacing any existing entry for the
	// same recipient.
	Save(ctx context.Context, reg *domain.Registration) error

	// GetByRecipient retrieves a registration. Returns nil if not found.
	GetByRecipient(ctx context.Context, recipient string) (*domain.Registration, error)

	// GetAll retrieves every active registration.
	GetAll(ctx context.Context) ([]*domain.Registration, error)

	// Delete removes a recipient's registration (after order completion).
	Delete(ctx context.Context, recipient string) error
}
