package services

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
)

func TestPricingService_ResolvePrice(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewPricingService(db)
	ctx := context.Background()

	t.Run("active rule prices the category", func(t *testing.T) {
		mock.ExpectQuery("FROM pricing_rules").
			WithArgs("whatsapp").
			WillReturnRows(sqlmock.NewRows([]string{"unit_price"}).AddRow(400))

		amount, err := service.ResolvePrice(ctx, "whatsapp", 3)
		assert.NoError(t, err)
		assert.Equal(t, int64(1200), amount)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing rule falls back to the default unit price", func(t *testing.T) {
		mock.ExpectQuery("FROM pricing_rules").
			WithArgs("rcs").
			WillReturnError(sql.ErrNoRows)

		amount, err := service.ResolvePrice(ctx, "rcs", 4)
		assert.NoError(t, err)
		assert.Equal(t, int64(1000), amount)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("non-positive quantity is rejected", func(t *testing.T) {
		_, err := service.ResolvePrice(ctx, "sms", 0)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "quantity must be positive")
	})
}
