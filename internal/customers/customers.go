// Package customers is the relational Customer repository: getOrCreate is
// idempotent on phone, and all writes are acknowledged synchronously
// against Postgres via pgxpool.
package customers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgxPool is the narrow subset of *pgxpool.Pool the repository depends on,
// so tests can substitute pgxmock.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var ErrNotFound = errors.New("customers: not found")

// Customer is the relational customer record the core depends on.
type Customer struct {
	ID              string
	PhoneNumber     string
	FullName        string
	City            string
	CityConfirmedAt *time.Time
	HasConsent      bool
	Notes           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Repository is the Customer Repository described in the spec's
// component F.
type Repository struct {
	pool PgxPool
}

func NewRepository(pool PgxPool) *Repository {
	if pool == nil {
		panic("customers: pgx pool required")
	}
	return &Repository{pool: pool}
}

// GetOrCreate is idempotent on phone: a second call with the same phone
// returns the same id. On creation, has_consent=false and city is unset.
func (r *Repository) GetOrCreate(ctx context.Context, phone string, name, city *string) (*Customer, error) {
	if existing, err := r.FindByPhone(ctx, phone); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	id := uuid.New()
	query := `
		INSERT INTO customers (id, phone_number, full_name, city, has_consent)
		VALUES ($1, $2, COALESCE($3, ''), COALESCE($4, ''), false)
		ON CONFLICT (phone_number) DO UPDATE SET phone_number = EXCLUDED.phone_number
		RETURNING id, phone_number, full_name, city, city_confirmed_at, has_consent, notes, created_at, updated_at
	`
	var fullName, cityVal *string
	if name != nil {
		fullName = name
	}
	if city != nil {
		cityVal = city
	}

	row := r.pool.QueryRow(ctx, query, id, phone, fullName, cityVal)
	return scanCustomer(row)
}

// FindByPhone returns the customer for phone, or ErrNotFound.
func (r *Repository) FindByPhone(ctx context.Context, phone string) (*Customer, error) {
	query := `
		SELECT id, phone_number, full_name, city, city_confirmed_at, has_consent, notes, created_at, updated_at
		FROM customers
		WHERE phone_number = $1
	`
	row := r.pool.QueryRow(ctx, query, phone)
	customer, err := scanCustomer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return customer, nil
}

// UpdateCity sets the customer's confirmed city.
func (r *Repository) UpdateCity(ctx context.Context, id, city string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE customers SET city = $2, city_confirmed_at = now(), updated_at = now()
		WHERE id = $1
	`, id, city)
	if err != nil {
		return fmt.Errorf("customers: update city: %w", err)
	}
	return nil
}

// ClearCity unsets the customer's city (stored as an empty string).
func (r *Repository) ClearCity(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE customers SET city = '', city_confirmed_at = NULL, updated_at = now()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("customers: clear city: %w", err)
	}
	return nil
}

// ClearConsent revokes a customer's recorded consent.
func (r *Repository) ClearConsent(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE customers SET has_consent = false, updated_at = now()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("customers: clear consent: %w", err)
	}
	return nil
}

// SetConsent records a customer's acceptance of data sharing.
func (r *Repository) SetConsent(ctx context.Context, id string, accepted bool) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE customers SET has_consent = $2, updated_at = now()
		WHERE id = $1
	`, id, accepted)
	if err != nil {
		return fmt.Errorf("customers: set consent: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCustomer(row rowScanner) (*Customer, error) {
	var c Customer
	var fullName, city, notes *string
	if err := row.Scan(
		&c.ID, &c.PhoneNumber, &fullName, &city, &c.CityConfirmedAt,
		&c.HasConsent, &notes, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if fullName != nil {
		c.FullName = *fullName
	}
	if city != nil {
		c.City = *city
	}
	if notes != nil {
		c.Notes = *notes
	}
	return &c, nil
}
