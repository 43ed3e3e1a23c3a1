package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/orderflow/internal/clock"
	"github.com/smallbiznis/orderflow/internal/dbtest"
	"github.com/smallbiznis/orderflow/internal/inventory/domain"
	"github.com/smallbiznis/orderflow/internal/inventory/repository"
	"github.com/smallbiznis/orderflow/internal/inventory/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setup(t *testing.T) (*gorm.DB, *service.Service) {
	t.Helper()
	db := dbtest.Open(t)
	svc := service.NewService(service.Params{
		DB:    db,
		Log:   zap.NewNop(),
		Repo:  repository.Provide(),
		Clock: clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)),
	})
	return db, svc
}

func TestReserveBeyondStockFailsAndLeavesReservationUntouched(t *testing.T) {
	db, svc := setup(t)
	dbtest.SeedVariant(t, db, dbtest.Variant{ID: 1, SKU: "TEE-S", Stock: 5})

	err := svc.Reserve(context.Background(), []domain.Item{{VariantID: 1, Quantity: 6}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInsufficientStock))

	var stockErr *domain.InsufficientStockError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, 6, stockErr.Requested)
	assert.Equal(t, 5, stockErr.Available)

	_, reserved := dbtest.Stock(t, db, 1)
	assert.Equal(t, 0, reserved)
}

func TestReserveReleaseRoundTrip(t *testing.T) {
	db, svc := setup(t)
	ctx := context.Background()
	dbtest.SeedVariant(t, db, dbtest.Variant{ID: 1, SKU: "TEE-S", Stock: 10, Reserved: 2})

	items := []domain.Item{{VariantID: 1, Quantity: 3}}
	require.NoError(t, svc.Reserve(ctx, items))
	_, reserved := dbtest.Stock(t, db, 1)
	assert.Equal(t, 5, reserved)

	require.NoError(t, svc.Release(ctx, items))
	stock, reserved := dbtest.Stock(t, db, 1)
	assert.Equal(t, 10, stock)
	assert.Equal(t, 2, reserved)
}

func TestReserveIsAllOrNothing(t *testing.T) {
	db, svc := setup(t)
	dbtest.SeedVariant(t, db, dbtest.Variant{ID: 1, SKU: "A", Stock: 10})
	dbtest.SeedVariant(t, db, dbtest.Variant{ID: 2, SKU: "B", Stock: 1})

	err := svc.Reserve(context.Background(), []domain.Item{
		{VariantID: 1, Quantity: 4},
		{VariantID: 2, Quantity: 2},
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)

	_, reservedA := dbtest.Stock(t, db, 1)
	_, reservedB := dbtest.Stock(t, db, 2)
	assert.Equal(t, 0, reservedA)
	assert.Equal(t, 0, reservedB)
}

func TestUntrackedAndMissingRecordsAreUnbounded(t *testing.T) {
	db, svc := setup(t)
	ctx := context.Background()
	dbtest.SeedVariant(t, db, dbtest.Variant{ID: 1, SKU: "DIGITAL", Untracked: true})
	dbtest.SeedVariant(t, db, dbtest.Variant{ID: 2, SKU: "GIFT", NoInventory: true})

	avail, err := svc.CheckAvailability(ctx, 1, 1000)
	require.NoError(t, err)
	assert.True(t, avail.Available)
	assert.False(t, avail.Tracked)

	avail, err = svc.CheckAvailability(ctx, 2, 1000)
	require.NoError(t, err)
	assert.True(t, avail.Available)

	items := []domain.Item{{VariantID: 1, Quantity: 50}, {VariantID: 2, Quantity: 50}}
	require.NoError(t, svc.Reserve(ctx, items))
	require.NoError(t, svc.Decrement(ctx, items))

	stock, reserved := dbtest.Stock(t, db, 1)
	assert.Equal(t, 0, stock)
	assert.Equal(t, 0, reserved)
}

func TestCheckAvailabilityWithBackorder(t *testing.T) {
	db, svc := setup(t)
	dbtest.SeedVariant(t, db, dbtest.Variant{ID: 1, SKU: "PRE", Stock: 1, AllowBackorder: true})

	avail, err := svc.CheckAvailability(context.Background(), 1, 5)
	require.NoError(t, err)
	assert.True(t, avail.Available)
	assert.Equal(t, 1, avail.AvailableStock)

	require.NoError(t, svc.Reserve(context.Background(), []domain.Item{{VariantID: 1, Quantity: 5}}))
	_, reserved := dbtest.Stock(t, db, 1)
	assert.Equal(t, 5, reserved)
}

func TestReleaseClampsAtZero(t *testing.T) {
	db, svc := setup(t)
	dbtest.SeedVariant(t, db, dbtest.Variant{ID: 1, SKU: "A", Stock: 3, Reserved: 1})

	require.NoError(t, svc.Release(context.Background(), []domain.Item{{VariantID: 1, Quantity: 4}}))
	_, reserved := dbtest.Stock(t, db, 1)
	assert.Equal(t, 0, reserved)
}

func TestDecrementConsumesStockAndReservation(t *testing.T) {
	db, svc := setup(t)
	ctx := context.Background()
	dbtest.SeedVariant(t, db, dbtest.Variant{ID: 1, SKU: "A", Stock: 5, Reserved: 3})

	require.NoError(t, svc.Decrement(ctx, []domain.Item{{VariantID: 1, Quantity: 2}}))
	stock, reserved := dbtest.Stock(t, db, 1)
	assert.Equal(t, 3, stock)
	assert.Equal(t, 1, reserved)

	err := svc.Decrement(ctx, []domain.Item{{VariantID: 1, Quantity: 2}})
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)
	stock, reserved = dbtest.Stock(t, db, 1)
	assert.Equal(t, 3, stock)
	assert.Equal(t, 1, reserved)
}

func TestIncrementRestoresStockOnly(t *testing.T) {
	db, svc := setup(t)
	dbtest.SeedVariant(t, db, dbtest.Variant{ID: 1, SKU: "A", Stock: 2, Reserved: 1})

	require.NoError(t, svc.Increment(context.Background(), []domain.Item{{VariantID: 1, Quantity: 3}}))
	stock, reserved := dbtest.Stock(t, db, 1)
	assert.Equal(t, 5, stock)
	assert.Equal(t, 1, reserved)
}

func TestInvalidQuantityRejected(t *testing.T) {
	_, svc := setup(t)
	err := svc.Reserve(context.Background(), []domain.Item{{VariantID: 1, Quantity: 0}})
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)
}

func TestConcurrentReservationsNeverOversell(t *testing.T) {
	db, svc := setup(t)
	dbtest.SeedVariant(t, db, dbtest.Variant{ID: 7, SKU: "LIMITED", Stock: 5})

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := svc.Reserve(context.Background(), []domain.Item{{VariantID: snowflake.ID(7), Quantity: 1}})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else if !errors.Is(err, domain.ErrInsufficientStock) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, succeeded)
	_, reserved := dbtest.Stock(t, db, 7)
	assert.Equal(t, 5, reserved)
}

func TestSetStockKeepsReservations(t *testing.T) {
	db, svc := setup(t)
	dbtest.SeedVariant(t, db, dbtest.Variant{ID: 1, SKU: "A", Stock: 2, Reserved: 2})

	record, err := svc.SetStock(context.Background(), domain.Record{VariantID: 1, Stock: 20, TrackInventory: true})
	require.NoError(t, err)
	assert.Equal(t, 20, record.Stock)
	assert.Equal(t, 2, record.ReservedStock)
}
