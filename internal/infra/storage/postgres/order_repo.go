package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/vietddude/udeposit/internal/core/domain"
)

// OrderRepo implements storage.OrderRepository using PostgreSQL.
type OrderRepo struct {
	db *DB
}

// NewOrderRepo creates a new PostgreSQL order repository.
func NewOrderRepo(db *DB) *OrderRepo {
	return &OrderRepo{db: db}
}

// orderRow mirrors the orders table. Balances are stored as TEXT to keep
// arbitrary-precision integers exact.
type orderRow struct {
	OrderID            string         `db:"order_id"`
	SourceChainID      uint64         `db:"source_chain_id"`
	DestinationChainID uint64         `db:"destination_chain_id"`
	RecipientAddress   string         `db:"recipient_address"`
	DepositAddress     string         `db:"deposit_address"`
	SourceToken        string         `db:"source_token"`
	DestinationToken   string         `db:"destination_token"`
	Status             string         `db:"status"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
	DeployedAt         *time.Time     `db:"deployed_at"`
	SettledAt          *time.Time     `db:"settled_at"`
	CompletedAt        *time.Time     `db:"completed_at"`
	VerifStartedAt     *time.Time     `db:"verification_started_at"`
	VerifEndedAt       *time.Time     `db:"verification_ended_at"`
	LogicAddress       sql.NullString `db:"logic_address"`
	ProxyAddress       sql.NullString `db:"proxy_address"`
	SafeAddress        sql.NullString `db:"safe_address"`
	SettleURL          sql.NullString `db:"settle_url"`
	SettleOption       sql.NullString `db:"settle_option"`
	InitialDestBalance sql.NullString `db:"initial_destination_balance"`
	FinalDestBalance   sql.NullString `db:"final_destination_balance"`
	BalanceIncrease    sql.NullString `db:"balance_increase"`
	LastError          sql.NullString `db:"last_error"`
	RetryCount         int            `db:"retry_count"`
}

const upsertOrderQuery = `
	INSERT INTO orders (
		order_id, source_chain_id, destination_chain_id,
		recipient_address, deposit_address, source_token, destination_token,
		status, created_at, updated_at,
		deployed_at, settled_at, completed_at,
		verification_started_at, verification_ended_at,
		logic_address, proxy_address, safe_address,
		settle_url, settle_option,
		initial_destination_balance, final_destination_balance, balance_increase,
		last_error, retry_count
	) VALUES (
		:order_id, :source_chain_id, :destination_chain_id,
		:recipient_address, :deposit_address, :source_token, :destination_token,
		:status, NOW(), NOW(),
		:deployed_at, :settled_at, :completed_at,
		:verification_started_at, :verification_ended_at,
		:logic_address, :proxy_address, :safe_address,
		:settle_url, :settle_option,
		:initial_destination_balance, :final_destination_balance, :balance_increase,
		:last_error, :retry_count
	)
	ON CONFLICT (order_id) DO UPDATE SET
		status                      = EXCLUDED.status,
		updated_at                  = NOW(),
		deployed_at                 = EXCLUDED.deployed_at,
		settled_at                  = EXCLUDED.settled_at,
		completed_at                = EXCLUDED.completed_at,
		verification_started_at     = EXCLUDED.verification_started_at,
		verification_ended_at       = EXCLUDED.verification_ended_at,
		logic_address               = EXCLUDED.logic_address,
		proxy_address               = EXCLUDED.proxy_address,
		safe_address                = EXCLUDED.safe_address,
		settle_url                  = EXCLUDED.settle_url,
		settle_option               = EXCLUDED.settle_option,
		initial_destination_balance = EXCLUDED.initial_destination_balance,
		final_destination_balance   = EXCLUDED.final_destination_balance,
		balance_increase            = EXCLUDED.balance_increase,
		last_error                  = EXCLUDED.last_error,
		retry_count                 = EXCLUDED.retry_count
`

// Upsert inserts or updates an order keyed by order ID.
func (r *OrderRepo) Upsert(ctx context.Context, order *domain.Order) error {
	if _, err := r.db.NamedExecContext(ctx, upsertOrderQuery, toRow(order)); err != nil {
		return fmt.Errorf("failed to upsert order %s: %w", order.OrderID, err)
	}
	return nil
}

// GetByID retrieves an order by ID. Returns nil if not found.
func (r *OrderRepo) GetByID(ctx context.Context, orderID string) (*domain.Order, error) {
	var row orderRow
	err := r.db.GetContext(ctx, &row, `SELECT * FROM orders WHERE order_id = $1`, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order %s: %w", orderID, err)
	}
	return fromRow(&row)
}

// GetByStatus retrieves all orders in a given status.
func (r *OrderRepo) GetByStatus(ctx context.Context, status domain.OrderStatus) ([]*domain.Order, error) {
	var rows []orderRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT * FROM orders WHERE status = $1 ORDER BY created_at ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to get orders by status %s: %w", status, err)
	}
	return fromRows(rows)
}

// GetByRecipient retrieves all orders for a recipient address.
func (r *OrderRepo) GetByRecipient(ctx context.Context, recipient string) ([]*domain.Order, error) {
	var rows []orderRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT * FROM orders WHERE LOWER(recipient_address) = LOWER($1) ORDER BY created_at ASC`, recipient)
	if err != nil {
		return nil, fmt.Errorf("failed to get orders by recipient %s: %w", recipient, err)
	}
	return fromRows(rows)
}

func toRow(o *domain.Order) *orderRow {
	row := &orderRow{
		OrderID:            o.OrderID,
		SourceChainID:      uint64(o.SourceChainID),
		DestinationChainID: uint64(o.DestinationChainID),
		RecipientAddress:   o.RecipientAddress,
		DepositAddress:     o.DepositAddress,
		SourceToken:        o.SourceToken,
		DestinationToken:   o.DestinationToken,
		Status:             string(o.Status),
		DeployedAt:         o.DeployedAt,
		SettledAt:          o.SettledAt,
		CompletedAt:        o.CompletedAt,
		VerifStartedAt:     o.VerificationStartedAt,
		VerifEndedAt:       o.VerificationEndedAt,
		SettleURL:          nullString(o.SettleURL),
		SettleOption:       nullString(o.SettleOption),
		InitialDestBalance: nullBig(o.InitialDestinationBalance),
		FinalDestBalance:   nullBig(o.FinalDestinationBalance),
		BalanceIncrease:    nullBig(o.BalanceIncrease),
		LastError:          nullString(o.LastError),
		RetryCount:         o.RetryCount,
	}
	if o.DeploymentDetails != nil {
		row.LogicAddress = nullString(o.DeploymentDetails.LogicAddress)
		row.ProxyAddress = nullString(o.DeploymentDetails.ProxyAddress)
		row.SafeAddress = nullString(o.DeploymentDetails.SafeAddress)
	}
	return row
}

func fromRow(row *orderRow) (*domain.Order, error) {
	o := &domain.Order{
		OrderID:               row.OrderID,
		SourceChainID:         domain.ChainID(row.SourceChainID),
		DestinationChainID:    domain.ChainID(row.DestinationChainID),
		RecipientAddress:      row.RecipientAddress,
		DepositAddress:        row.DepositAddress,
		SourceToken:           row.SourceToken,
		DestinationToken:      row.DestinationToken,
		Status:                domain.OrderStatus(row.Status),
		CreatedAt:             row.CreatedAt,
		UpdatedAt:             row.UpdatedAt,
		DeployedAt:            row.DeployedAt,
		SettledAt:             row.SettledAt,
		CompletedAt:           row.CompletedAt,
		VerificationStartedAt: row.VerifStartedAt,
		VerificationEndedAt:   row.VerifEndedAt,
		SettleURL:             row.SettleURL.String,
		SettleOption:          row.SettleOption.String,
		LastError:             row.LastError.String,
		RetryCount:            row.RetryCount,
	}

	if row.LogicAddress.Valid {
		o.DeploymentDetails = &domain.DeploymentDetails{
			LogicAddress: row.LogicAddress.String,
			ProxyAddress: row.ProxyAddress.String,
			SafeAddress:  row.SafeAddress.String,
		}
	}

	var err error
	if o.InitialDestinationBalance, err = parseBig(row.InitialDestBalance); err != nil {
		return nil, fmt.Errorf("order %s: %w", row.OrderID, err)
	}
	if o.FinalDestinationBalance, err = parseBig(row.FinalDestBalance); err != nil {
		return nil, fmt.Errorf("order %s: %w", row.OrderID, err)
	}
	if o.BalanceIncrease, err = parseBig(row.BalanceIncrease); err != nil {
		return nil, fmt.Errorf("order %s: %w", row.OrderID, err)
	}
	return o, nil
}

func fromRows(rows []orderRow) ([]*domain.Order, error) {
	orders := make([]*domain.Order, 0, len(rows))
	for i := range rows {
		o, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullBig(v *big.Int) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: v.String(), Valid: true}
}

func parseBig(v sql.NullString) (*big.Int, error) {
	if !v.Valid {
		return nil, nil
	}
	n, ok := new(big.Int).SetString(v.String, 10)
	if !ok {
		return nil, fmt.Errorf("invalid balance value %q", v.String)
	}
	return n, nil
}
