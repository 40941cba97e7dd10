package customers

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func customerRows(id uuid.UUID, phone string) *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "phone_number", "full_name", "city", "city_confirmed_at",
		"has_consent", "notes", "created_at", "updated_at",
	}).AddRow(id, phone, nil, nil, nil, false, nil, time.Now(), time.Now())
}

func TestGetOrCreate_CreatesWhenAbsent(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	phone := "+5215512345678"
	id := uuid.New()

	mock.ExpectQuery("SELECT id, phone_number").
		WithArgs(phone).
		WillReturnError(pgx.ErrNoRows)

	mock.ExpectQuery("INSERT INTO customers").
		WillReturnRows(customerRows(id, phone))

	repo := NewRepository(mock)
	customer, err := repo.GetOrCreate(context.Background(), phone, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, id.String(), customer.ID)
	assert.False(t, customer.HasConsent)
}

func TestGetOrCreate_IdempotentOnPhone(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	phone := "+5215512345678"
	id := uuid.New()

	mock.ExpectQuery("SELECT id, phone_number").
		WithArgs(phone).
		WillReturnRows(customerRows(id, phone))

	repo := NewRepository(mock)
	customer, err := repo.GetOrCreate(context.Background(), phone, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, id.String(), customer.ID)
}

func TestFindByPhone_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT id, phone_number").
		WithArgs("+5215500000000").
		WillReturnError(pgx.ErrNoRows)

	repo := NewRepository(mock)
	_, err = repo.FindByPhone(context.Background(), "+5215500000000")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateCity(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := uuid.New().String()
	mock.ExpectExec("UPDATE customers SET city").
		WithArgs(id, "Mexico City").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	repo := NewRepository(mock)
	require.NoError(t, repo.UpdateCity(context.Background(), id, "Mexico City"))
}
