package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/orderflow/internal/cart/domain"
	"github.com/smallbiznis/orderflow/internal/cart/repository"
	"github.com/smallbiznis/orderflow/internal/cart/service"
	"github.com/smallbiznis/orderflow/internal/clock"
	"github.com/smallbiznis/orderflow/internal/config"
	"github.com/smallbiznis/orderflow/internal/dbtest"
	inventorydomain "github.com/smallbiznis/orderflow/internal/inventory/domain"
	inventoryrepo "github.com/smallbiznis/orderflow/internal/inventory/repository"
	inventoryservice "github.com/smallbiznis/orderflow/internal/inventory/service"
	pricingdomain "github.com/smallbiznis/orderflow/internal/pricing/domain"
	pricingrepo "github.com/smallbiznis/orderflow/internal/pricing/repository"
	pricingservice "github.com/smallbiznis/orderflow/internal/pricing/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db    *gorm.DB
	svc   *service.Service
	clock *clock.FakeClock
}

func setup(t *testing.T) fixture {
	t.Helper()
	return setupWithRepo(t, repository.Provide())
}

func setupWithRepo(t *testing.T, repo domain.Repository) fixture {
	t.Helper()
	db := dbtest.Open(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cfg := config.NewStaticFulfillmentConfigHolder(config.DefaultFulfillmentConfig())

	inv := inventoryservice.NewService(inventoryservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		Repo:  inventoryrepo.Provide(),
		Clock: clk,
	})
	pricing := pricingservice.NewService(pricingservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		Repo:  pricingrepo.Provide(),
		Stock: inv,
		Cfg:   cfg,
	})
	svc := service.NewService(service.Params{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     dbtest.Node(t),
		Repo:      repo,
		Inventory: inv,
		Pricing:   pricing,
		Clock:     clk,
		Cfg:       cfg,
	})

	dbtest.SeedVariant(t, db, dbtest.Variant{ID: 1, SKU: "TEE-S", Prices: map[string]string{"USD": "19.99", "EUR": "18.50"}, Stock: 5})
	dbtest.SeedVariant(t, db, dbtest.Variant{ID: 2, SKU: "MUG", Prices: map[string]string{"USD": "8.00"}, Stock: 10})
	return fixture{db: db, svc: svc, clock: clk}
}

var (
	guest = domain.Owner{AnonymousID: "anon-1"}
	user  = domain.Owner{UserID: "user-1"}
)

func TestAddItemCreatesCartAndReserves(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	view, err := f.svc.AddItem(ctx, guest, "usd", 1, 2)
	require.NoError(t, err)
	require.NotNil(t, view.Cart)
	assert.Equal(t, domain.StatusActive, view.Cart.Status)
	assert.Equal(t, "USD", view.Cart.Currency)
	assert.True(t, view.Calculation.Subtotal.Equal(decimal.RequireFromString("39.98")))

	_, reserved := dbtest.Stock(t, f.db, 1)
	assert.Equal(t, 2, reserved)

	view, err = f.svc.AddItem(ctx, guest, "", 1, 1)
	require.NoError(t, err)
	require.Len(t, view.Cart.Items, 1)
	assert.Equal(t, 3, view.Cart.Items[0].Quantity)
	assert.Equal(t, int64(1), dbtest.Count(t, f.db, "carts", ""))
}

func TestAddItemBeyondStockLeavesCartUnchanged(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.AddItem(ctx, guest, "USD", 1, 4)
	require.NoError(t, err)

	_, err = f.svc.AddItem(ctx, guest, "USD", 1, 2)
	assert.ErrorIs(t, err, inventorydomain.ErrInsufficientStock)

	view, err := f.svc.Get(ctx, guest)
	require.NoError(t, err)
	assert.Equal(t, 4, view.Cart.Items[0].Quantity)
	_, reserved := dbtest.Stock(t, f.db, 1)
	assert.Equal(t, 4, reserved)
}

func TestAddItemRejectsUnknownVariantAndBadInput(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.AddItem(ctx, guest, "USD", 99, 1)
	assert.ErrorIs(t, err, domain.ErrVariantNotFound)

	_, err = f.svc.AddItem(ctx, guest, "USD", 1, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)

	_, err = f.svc.AddItem(ctx, domain.Owner{UserID: "u", AnonymousID: "a"}, "USD", 1, 1)
	assert.ErrorIs(t, err, domain.ErrInvalidOwner)

	assert.Equal(t, int64(0), dbtest.Count(t, f.db, "carts", ""))
}

func TestAddItemCurrencyMismatch(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.AddItem(ctx, guest, "USD", 1, 1)
	require.NoError(t, err)

	_, err = f.svc.AddItem(ctx, guest, "EUR", 2, 1)
	assert.ErrorIs(t, err, domain.ErrCurrencyMismatch)
	_, reserved := dbtest.Stock(t, f.db, 2)
	assert.Equal(t, 0, reserved)
}

func TestUpdateItemQuantityAdjustsReservationByDelta(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.AddItem(ctx, user, "USD", 2, 3)
	require.NoError(t, err)

	_, err = f.svc.UpdateItemQuantity(ctx, user, 2, 7)
	require.NoError(t, err)
	_, reserved := dbtest.Stock(t, f.db, 2)
	assert.Equal(t, 7, reserved)

	_, err = f.svc.UpdateItemQuantity(ctx, user, 2, 2)
	require.NoError(t, err)
	_, reserved = dbtest.Stock(t, f.db, 2)
	assert.Equal(t, 2, reserved)

	view, err := f.svc.UpdateItemQuantity(ctx, user, 2, 0)
	require.NoError(t, err)
	assert.Empty(t, view.Cart.Items)
	_, reserved = dbtest.Stock(t, f.db, 2)
	assert.Equal(t, 0, reserved)

	_, err = f.svc.UpdateItemQuantity(ctx, user, 2, 1)
	assert.ErrorIs(t, err, domain.ErrItemNotFound)
}

func TestRemoveItemReleasesReservation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.AddItem(ctx, guest, "USD", 1, 2)
	require.NoError(t, err)
	_, err = f.svc.AddItem(ctx, guest, "USD", 2, 1)
	require.NoError(t, err)

	view, err := f.svc.RemoveItem(ctx, guest, 1)
	require.NoError(t, err)
	require.Len(t, view.Cart.Items, 1)
	_, reserved := dbtest.Stock(t, f.db, 1)
	assert.Equal(t, 0, reserved)

	_, err = f.svc.RemoveItem(ctx, user, 2)
	assert.ErrorIs(t, err, domain.ErrCartNotFound)
}

func TestMergeMovesGuestLinesWithoutDoubleReserving(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.AddItem(ctx, guest, "USD", 1, 2)
	require.NoError(t, err)
	_, err = f.svc.AddItem(ctx, user, "USD", 1, 1)
	require.NoError(t, err)
	_, err = f.svc.AddItem(ctx, user, "USD", 2, 1)
	require.NoError(t, err)

	view, err := f.svc.Merge(ctx, guest.AnonymousID, user.UserID)
	require.NoError(t, err)
	require.NotNil(t, view.Cart)
	require.Len(t, view.Cart.Items, 2)

	quantities := map[int64]int{}
	for _, item := range view.Cart.Items {
		quantities[item.VariantID.Int64()] = item.Quantity
	}
	assert.Equal(t, 3, quantities[1])
	assert.Equal(t, 1, quantities[2])

	_, reserved := dbtest.Stock(t, f.db, 1)
	assert.Equal(t, 3, reserved)
	assert.Equal(t, int64(1), dbtest.Count(t, f.db, "carts", "status = ?", "CONVERTED"))

	guestView, err := f.svc.Get(ctx, guest)
	require.NoError(t, err)
	assert.Nil(t, guestView.Cart)
}

func TestMergeWithoutGuestCartIsNoop(t *testing.T) {
	f := setup(t)

	view, err := f.svc.Merge(context.Background(), "nobody", user.UserID)
	require.NoError(t, err)
	assert.Nil(t, view.Cart)
}

func TestAbandonReleasesAllReservations(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	view, err := f.svc.AddItem(ctx, guest, "USD", 1, 2)
	require.NoError(t, err)
	_, err = f.svc.AddItem(ctx, guest, "USD", 2, 4)
	require.NoError(t, err)

	f.clock.Advance(96 * time.Hour)
	stale, err := f.svc.ListStale(ctx, 72*time.Hour, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, view.Cart.ID, stale[0].ID)

	require.NoError(t, f.svc.Abandon(ctx, view.Cart.ID))
	_, reserved1 := dbtest.Stock(t, f.db, 1)
	_, reserved2 := dbtest.Stock(t, f.db, 2)
	assert.Equal(t, 0, reserved1)
	assert.Equal(t, 0, reserved2)

	stale, err = f.svc.ListStale(ctx, 72*time.Hour, 10)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestValidateReportsEmptyCart(t *testing.T) {
	f := setup(t)

	result, err := f.svc.Validate(context.Background(), guest)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.True(t, result.HasCode(pricingdomain.CodeEmptyCart))
}

func TestMarkConvertedTxOnlyOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	view, err := f.svc.AddItem(ctx, guest, "USD", 1, 1)
	require.NoError(t, err)

	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		cart, err := f.svc.LockTx(ctx, tx, view.Cart.ID)
		if err != nil {
			return err
		}
		assert.Len(t, cart.Items, 1)
		return f.svc.MarkConvertedTx(ctx, tx, cart.ID)
	}))

	err = f.db.Transaction(func(tx *gorm.DB) error {
		return f.svc.MarkConvertedTx(ctx, tx, view.Cart.ID)
	})
	assert.ErrorIs(t, err, domain.ErrCartNotActive)
}

// checkoutBeforeLock converts the target cart right before the service takes
// its row lock, as a concurrent checkout committing first would.
type checkoutBeforeLock struct {
	domain.Repository
	target snowflake.ID
}

func (r *checkoutBeforeLock) LockByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Cart, error) {
	if r.target != 0 && id == r.target {
		if err := db.Exec(`UPDATE carts SET status = ? WHERE id = ?`, string(domain.StatusConverted), id).Error; err != nil {
			return nil, err
		}
	}
	return r.Repository.LockByID(ctx, db, id)
}

func TestAddItemRejectsCartConvertedWhileWaitingForLock(t *testing.T) {
	repo := &checkoutBeforeLock{Repository: repository.Provide()}
	f := setupWithRepo(t, repo)
	ctx := context.Background()

	view, err := f.svc.AddItem(ctx, user, "USD", 1, 2)
	require.NoError(t, err)

	repo.target = view.Cart.ID
	_, err = f.svc.AddItem(ctx, user, "USD", 2, 1)
	require.ErrorIs(t, err, domain.ErrCartNotActive)

	_, reserved := dbtest.Stock(t, f.db, 2)
	assert.Equal(t, 0, reserved)
	assert.Equal(t, int64(0), dbtest.Count(t, f.db, "cart_items", "cart_id = ? AND variant_id = ?", view.Cart.ID, 2))
}

func TestMergeRejectsGuestCartConvertedWhileWaitingForLock(t *testing.T) {
	repo := &checkoutBeforeLock{Repository: repository.Provide()}
	f := setupWithRepo(t, repo)
	ctx := context.Background()

	guestView, err := f.svc.AddItem(ctx, guest, "USD", 1, 2)
	require.NoError(t, err)

	repo.target = guestView.Cart.ID
	_, err = f.svc.Merge(ctx, guest.AnonymousID, user.UserID)
	require.ErrorIs(t, err, domain.ErrCartNotActive)

	assert.Equal(t, int64(0), dbtest.Count(t, f.db, "carts", "user_id = ?", user.UserID))
	assert.Equal(t, int64(1), dbtest.Count(t, f.db, "cart_items", "cart_id = ?", guestView.Cart.ID))
	_, reserved := dbtest.Stock(t, f.db, 1)
	assert.Equal(t, 2, reserved)
}
