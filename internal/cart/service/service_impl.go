package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/orderflow/internal/cart/domain"
	"github.com/smallbiznis/orderflow/internal/clock"
	"github.com/smallbiznis/orderflow/internal/config"
	inventorydomain "github.com/smallbiznis/orderflow/internal/inventory/domain"
	inventoryservice "github.com/smallbiznis/orderflow/internal/inventory/service"
	pricingdomain "github.com/smallbiznis/orderflow/internal/pricing/domain"
	pricingservice "github.com/smallbiznis/orderflow/internal/pricing/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Repo      domain.Repository
	Inventory *inventoryservice.Service
	Pricing   *pricingservice.Service
	Clock     clock.Clock
	Cfg       *config.FulfillmentConfigHolder `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	repo      domain.Repository
	inventory *inventoryservice.Service
	pricing   *pricingservice.Service
	clock     clock.Clock
	cfg       *config.FulfillmentConfigHolder
}

func NewService(p Params) *Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("cart.service"),
		genID:     p.GenID,
		repo:      p.Repo,
		inventory: p.Inventory,
		pricing:   p.Pricing,
		clock:     clk,
		cfg:       p.Cfg,
	}
}

// Get returns the owner's active cart priced in its currency. An owner with
// no cart gets an empty projection; nothing is created.
func (s *Service) Get(ctx context.Context, owner domain.Owner) (domain.View, error) {
	if err := owner.Validate(); err != nil {
		return domain.View{}, err
	}
	cart, err := s.repo.FindActiveByOwner(ctx, s.db, owner)
	if err != nil {
		return domain.View{}, err
	}
	if cart == nil {
		calc, err := s.pricing.CalculateCart(ctx, pricingdomain.Cart{}, s.cfg.Get().DefaultCurrency)
		if err != nil {
			return domain.View{}, err
		}
		return domain.View{Calculation: calc}, nil
	}
	return s.view(ctx, s.db, cart)
}

// AddItem reserves qty units and adds them to the owner's active cart,
// creating the cart on first use.
func (s *Service) AddItem(ctx context.Context, owner domain.Owner, currency string, variantID snowflake.ID, qty int) (domain.View, error) {
	if err := owner.Validate(); err != nil {
		return domain.View{}, err
	}
	if qty <= 0 || variantID == 0 {
		return domain.View{}, domain.ErrInvalidQuantity
	}
	currency = s.normalizeCurrency(currency)

	var cartID snowflake.ID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		exists, err := s.repo.VariantExists(ctx, tx, variantID)
		if err != nil {
			return err
		}
		if !exists {
			return domain.ErrVariantNotFound
		}

		cart, err := s.activeCartTx(ctx, tx, owner, currency)
		if err != nil {
			return err
		}
		if cart.Currency != currency {
			return domain.ErrCurrencyMismatch
		}
		cartID = cart.ID

		if err := s.inventory.ReserveTx(ctx, tx, []inventorydomain.Item{{VariantID: variantID, Quantity: qty}}); err != nil {
			return err
		}

		now := s.clock.Now()
		if err := s.repo.AddItem(ctx, tx, domain.Item{
			ID:        s.genID.Generate(),
			CartID:    cart.ID,
			VariantID: variantID,
			Quantity:  qty,
			CreatedAt: now,
			UpdatedAt: now,
		}); err != nil {
			return err
		}
		return s.repo.Touch(ctx, tx, cart.ID, now)
	})
	if err != nil {
		return domain.View{}, err
	}
	return s.viewByID(ctx, cartID)
}

// UpdateItemQuantity sets a line's quantity, reserving or releasing only the
// difference. Zero removes the line.
func (s *Service) UpdateItemQuantity(ctx context.Context, owner domain.Owner, variantID snowflake.ID, qty int) (domain.View, error) {
	if qty == 0 {
		return s.RemoveItem(ctx, owner, variantID)
	}
	if err := owner.Validate(); err != nil {
		return domain.View{}, err
	}
	if qty < 0 {
		return domain.View{}, domain.ErrInvalidQuantity
	}

	var cartID snowflake.ID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cart, item, err := s.lockLine(ctx, tx, owner, variantID)
		if err != nil {
			return err
		}
		cartID = cart.ID

		delta := qty - item.Quantity
		switch {
		case delta > 0:
			err = s.inventory.ReserveTx(ctx, tx, []inventorydomain.Item{{VariantID: variantID, Quantity: delta}})
		case delta < 0:
			err = s.inventory.ReleaseTx(ctx, tx, []inventorydomain.Item{{VariantID: variantID, Quantity: -delta}})
		}
		if err != nil {
			return err
		}

		now := s.clock.Now()
		if err := s.repo.SetItemQuantity(ctx, tx, cart.ID, variantID, qty, now); err != nil {
			return err
		}
		return s.repo.Touch(ctx, tx, cart.ID, now)
	})
	if err != nil {
		return domain.View{}, err
	}
	return s.viewByID(ctx, cartID)
}

// RemoveItem deletes a line and releases its reservation.
func (s *Service) RemoveItem(ctx context.Context, owner domain.Owner, variantID snowflake.ID) (domain.View, error) {
	if err := owner.Validate(); err != nil {
		return domain.View{}, err
	}

	var cartID snowflake.ID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cart, item, err := s.lockLine(ctx, tx, owner, variantID)
		if err != nil {
			return err
		}
		cartID = cart.ID

		if err := s.inventory.ReleaseTx(ctx, tx, []inventorydomain.Item{{VariantID: variantID, Quantity: item.Quantity}}); err != nil {
			return err
		}
		if err := s.repo.DeleteItem(ctx, tx, cart.ID, variantID); err != nil {
			return err
		}
		return s.repo.Touch(ctx, tx, cart.ID, s.clock.Now())
	})
	if err != nil {
		return domain.View{}, err
	}
	return s.viewByID(ctx, cartID)
}

// Merge folds a guest cart into the user's active cart at sign-in. Guest
// reservations carry over unchanged and the guest cart becomes CONVERTED.
func (s *Service) Merge(ctx context.Context, anonymousID, userID string) (domain.View, error) {
	guestOwner := domain.Owner{AnonymousID: anonymousID}
	userOwner := domain.Owner{UserID: userID}
	if err := guestOwner.Validate(); err != nil {
		return domain.View{}, err
	}
	if err := userOwner.Validate(); err != nil {
		return domain.View{}, err
	}

	var cartID snowflake.ID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		guest, err := s.repo.FindActiveByOwner(ctx, tx, guestOwner)
		if err != nil {
			return err
		}
		if guest == nil {
			existing, err := s.repo.FindActiveByOwner(ctx, tx, userOwner)
			if err != nil {
				return err
			}
			if existing != nil {
				cartID = existing.ID
			}
			return nil
		}

		target, err := s.activeCartTx(ctx, tx, userOwner, guest.Currency)
		if err != nil {
			return err
		}
		cartID = target.ID

		lockedGuest, err := s.repo.LockByID(ctx, tx, guest.ID)
		if err != nil {
			return err
		}
		if lockedGuest == nil || lockedGuest.Status != domain.StatusActive {
			return domain.ErrCartNotActive
		}
		items, err := s.repo.ListItems(ctx, tx, guest.ID)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		for _, item := range items {
			if err := s.repo.AddItem(ctx, tx, domain.Item{
				ID:        s.genID.Generate(),
				CartID:    target.ID,
				VariantID: item.VariantID,
				Quantity:  item.Quantity,
				CreatedAt: now,
				UpdatedAt: now,
			}); err != nil {
				return err
			}
		}
		if err := s.repo.DeleteItems(ctx, tx, guest.ID); err != nil {
			return err
		}
		converted, err := s.repo.MarkConverted(ctx, tx, guest.ID, now)
		if err != nil {
			return err
		}
		if !converted {
			return domain.ErrCartNotActive
		}
		return s.repo.Touch(ctx, tx, target.ID, now)
	})
	if err != nil {
		return domain.View{}, err
	}
	if cartID == 0 {
		return s.Get(ctx, userOwner)
	}
	return s.viewByID(ctx, cartID)
}

// Abandon releases every reservation held by an active cart and empties it.
func (s *Service) Abandon(ctx context.Context, cartID snowflake.ID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cart, err := s.repo.LockByID(ctx, tx, cartID)
		if err != nil {
			return err
		}
		if cart == nil {
			return domain.ErrCartNotFound
		}
		if cart.Status != domain.StatusActive {
			return nil
		}
		items, err := s.repo.ListItems(ctx, tx, cartID)
		if err != nil {
			return err
		}
		if len(items) > 0 {
			if err := s.inventory.ReleaseTx(ctx, tx, toInventoryItems(items)); err != nil {
				return err
			}
		}
		if err := s.repo.DeleteItems(ctx, tx, cartID); err != nil {
			return err
		}
		s.log.Info("cart abandoned, reservations released",
			zap.String("cart_id", cartID.String()),
			zap.Int("lines", len(items)),
		)
		return s.repo.Touch(ctx, tx, cartID, s.clock.Now())
	})
}

// Validate runs checkout validation on the owner's active cart.
func (s *Service) Validate(ctx context.Context, owner domain.Owner) (pricingdomain.Validation, error) {
	if err := owner.Validate(); err != nil {
		return pricingdomain.Validation{}, err
	}
	cart, err := s.repo.FindActiveByOwner(ctx, s.db, owner)
	if err != nil {
		return pricingdomain.Validation{}, err
	}
	if cart == nil {
		return s.pricing.ValidateCartForCheckout(ctx, pricingdomain.Cart{}, s.cfg.Get().DefaultCurrency)
	}
	items, err := s.repo.ListItems(ctx, s.db, cart.ID)
	if err != nil {
		return pricingdomain.Validation{}, err
	}
	cart.Items = items
	return s.pricing.ValidateCartForCheckout(ctx, cart.PricingInput(), cart.Currency)
}

// LockTx locks a cart and loads its items inside tx.
func (s *Service) LockTx(ctx context.Context, tx *gorm.DB, cartID snowflake.ID) (*domain.Cart, error) {
	cart, err := s.repo.LockByID(ctx, tx, cartID)
	if err != nil {
		return nil, err
	}
	if cart == nil {
		return nil, domain.ErrCartNotFound
	}
	items, err := s.repo.ListItems(ctx, tx, cartID)
	if err != nil {
		return nil, err
	}
	cart.Items = items
	return cart, nil
}

// MarkConvertedTx flips an ACTIVE cart to CONVERTED exactly once.
func (s *Service) MarkConvertedTx(ctx context.Context, tx *gorm.DB, cartID snowflake.ID) error {
	ok, err := s.repo.MarkConverted(ctx, tx, cartID, s.clock.Now())
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrCartNotActive
	}
	return nil
}

// ListStale returns active carts with lines and no activity for idle.
func (s *Service) ListStale(ctx context.Context, idle time.Duration, limit int) ([]domain.Cart, error) {
	return s.repo.ListStaleActive(ctx, s.db, s.clock.Now().Add(-idle), limit)
}

func (s *Service) activeCartTx(ctx context.Context, tx *gorm.DB, owner domain.Owner, currency string) (*domain.Cart, error) {
	owner = owner.Normalize()
	cart, err := s.repo.FindActiveByOwner(ctx, tx, owner)
	if err != nil {
		return nil, err
	}
	if cart == nil {
		now := s.clock.Now()
		created := &domain.Cart{
			ID:        s.genID.Generate(),
			Status:    domain.StatusActive,
			Currency:  currency,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if owner.UserID != "" {
			created.UserID = &owner.UserID
		} else {
			created.AnonymousID = &owner.AnonymousID
		}
		if _, err := s.repo.Insert(ctx, tx, created); err != nil {
			return nil, err
		}
		cart, err = s.repo.FindActiveByOwner(ctx, tx, owner)
		if err != nil {
			return nil, err
		}
		if cart == nil {
			return nil, domain.ErrCartNotFound
		}
	}
	// the cart may have been checked out while we waited for the lock
	locked, err := s.repo.LockByID(ctx, tx, cart.ID)
	if err != nil {
		return nil, err
	}
	if locked == nil || locked.Status != domain.StatusActive {
		return nil, domain.ErrCartNotActive
	}
	return locked, nil
}

func (s *Service) lockLine(ctx context.Context, tx *gorm.DB, owner domain.Owner, variantID snowflake.ID) (*domain.Cart, *domain.Item, error) {
	cart, err := s.repo.FindActiveByOwner(ctx, tx, owner)
	if err != nil {
		return nil, nil, err
	}
	if cart == nil {
		return nil, nil, domain.ErrCartNotFound
	}
	if cart, err = s.repo.LockByID(ctx, tx, cart.ID); err != nil {
		return nil, nil, err
	}
	if cart == nil || cart.Status != domain.StatusActive {
		return nil, nil, domain.ErrCartNotActive
	}
	item, err := s.repo.FindItem(ctx, tx, cart.ID, variantID)
	if err != nil {
		return nil, nil, err
	}
	if item == nil {
		return nil, nil, domain.ErrItemNotFound
	}
	return cart, item, nil
}

func (s *Service) viewByID(ctx context.Context, cartID snowflake.ID) (domain.View, error) {
	cart, err := s.repo.FindByID(ctx, s.db, cartID)
	if err != nil {
		return domain.View{}, err
	}
	if cart == nil {
		return domain.View{}, domain.ErrCartNotFound
	}
	return s.view(ctx, s.db, cart)
}

func (s *Service) view(ctx context.Context, db *gorm.DB, cart *domain.Cart) (domain.View, error) {
	items, err := s.repo.ListItems(ctx, db, cart.ID)
	if err != nil {
		return domain.View{}, err
	}
	cart.Items = items
	calc, err := s.pricing.CalculateCartTx(ctx, db, cart.PricingInput(), cart.Currency)
	if err != nil {
		return domain.View{}, err
	}
	return domain.View{Cart: cart, Calculation: calc}, nil
}

func (s *Service) normalizeCurrency(currency string) string {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		return strings.ToUpper(s.cfg.Get().DefaultCurrency)
	}
	return currency
}

func toInventoryItems(items []domain.Item) []inventorydomain.Item {
	out := make([]inventorydomain.Item, 0, len(items))
	for _, item := range items {
		out = append(out, inventorydomain.Item{VariantID: item.VariantID, Quantity: item.Quantity})
	}
	return out
}
