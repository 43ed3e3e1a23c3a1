package service

import (
	"context"
	"sort"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/orderflow/internal/clock"
	"github.com/smallbiznis/orderflow/internal/inventory/domain"
	obsmetrics "github.com/smallbiznis/orderflow/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opReserve   = "reserve"
	opDecrement = "decrement"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Repo       domain.Repository
	Clock      clock.Clock
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	repo       domain.Repository
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("inventory.service"),
		repo:       p.Repo,
		clock:      clk,
		obsMetrics: p.ObsMetrics,
	}
}

// CheckAvailability reports whether qty units could be reserved right now.
// Untracked variants, and variants with no inventory record, are unbounded.
func (s *Service) CheckAvailability(ctx context.Context, variantID snowflake.ID, qty int) (domain.Availability, error) {
	return s.CheckAvailabilityTx(ctx, s.db, variantID, qty)
}

func (s *Service) CheckAvailabilityTx(ctx context.Context, db *gorm.DB, variantID snowflake.ID, qty int) (domain.Availability, error) {
	if qty <= 0 {
		return domain.Availability{}, domain.ErrInvalidQuantity
	}
	record, err := s.repo.FindRecord(ctx, db, variantID)
	if err != nil {
		return domain.Availability{}, err
	}
	if record == nil || !record.TrackInventory {
		return domain.Availability{VariantID: variantID, Available: true}, nil
	}
	available := record.Available()
	return domain.Availability{
		VariantID:      variantID,
		Available:      available >= qty || record.AllowBackorder,
		AvailableStock: available,
		Tracked:        true,
	}, nil
}

func (s *Service) Reserve(ctx context.Context, items []domain.Item) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.ReserveTx(ctx, tx, items)
	})
}

// ReserveTx holds stock for every item or fails the whole batch; the caller's
// transaction rollback undoes earlier increments.
func (s *Service) ReserveTx(ctx context.Context, tx *gorm.DB, items []domain.Item) error {
	normalized, err := normalize(items)
	if err != nil {
		return err
	}
	records, err := s.lock(ctx, tx, normalized)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	for _, item := range normalized {
		record, tracked := records[item.VariantID]
		if !tracked {
			continue
		}
		if !record.AllowBackorder && record.Available() < item.Quantity {
			return s.reject(ctx, opReserve, item, record.Available())
		}
		ok, err := s.repo.AddReserved(ctx, tx, item.VariantID, item.Quantity, now)
		if err != nil {
			return err
		}
		if !ok {
			return s.reject(ctx, opReserve, item, record.Available())
		}
	}
	return nil
}

func (s *Service) Release(ctx context.Context, items []domain.Item) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.ReleaseTx(ctx, tx, items)
	})
}

// ReleaseTx gives reservations back. reserved_stock never goes below zero.
func (s *Service) ReleaseTx(ctx context.Context, tx *gorm.DB, items []domain.Item) error {
	normalized, err := normalize(items)
	if err != nil {
		return err
	}
	records, err := s.lock(ctx, tx, normalized)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	for _, item := range normalized {
		record, tracked := records[item.VariantID]
		if !tracked {
			continue
		}
		if record.ReservedStock < item.Quantity {
			s.log.Warn("release exceeds reservation, clamping at zero",
				zap.String("variant_id", item.VariantID.String()),
				zap.Int("reserved_stock", record.ReservedStock),
				zap.Int("quantity", item.Quantity),
			)
		}
		if err := s.repo.ReleaseReserved(ctx, tx, item.VariantID, item.Quantity, now); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) Decrement(ctx context.Context, items []domain.Item) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.DecrementTx(ctx, tx, items)
	})
}

// DecrementTx consumes reserved stock at order creation.
func (s *Service) DecrementTx(ctx context.Context, tx *gorm.DB, items []domain.Item) error {
	normalized, err := normalize(items)
	if err != nil {
		return err
	}
	records, err := s.lock(ctx, tx, normalized)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	for _, item := range normalized {
		record, tracked := records[item.VariantID]
		if !tracked {
			continue
		}
		ok, err := s.repo.Consume(ctx, tx, item.VariantID, item.Quantity, now)
		if err != nil {
			return err
		}
		if !ok {
			available := record.Stock
			if record.ReservedStock < available {
				available = record.ReservedStock
			}
			return s.reject(ctx, opDecrement, item, available)
		}
	}
	return nil
}

func (s *Service) Increment(ctx context.Context, items []domain.Item) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.IncrementTx(ctx, tx, items)
	})
}

// IncrementTx returns sold units to stock; reservations are untouched.
func (s *Service) IncrementTx(ctx context.Context, tx *gorm.DB, items []domain.Item) error {
	normalized, err := normalize(items)
	if err != nil {
		return err
	}
	records, err := s.lock(ctx, tx, normalized)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	for _, item := range normalized {
		if _, tracked := records[item.VariantID]; !tracked {
			continue
		}
		if err := s.repo.Restock(ctx, tx, item.VariantID, item.Quantity, now); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) Get(ctx context.Context, variantID snowflake.ID) (*domain.Record, error) {
	return s.repo.FindRecord(ctx, s.db, variantID)
}

// RecordTx reads a record without locking it. A nil record means untracked.
func (s *Service) RecordTx(ctx context.Context, db *gorm.DB, variantID snowflake.ID) (*domain.Record, error) {
	return s.repo.FindRecord(ctx, db, variantID)
}

// SetStock creates or overwrites the physical count of a variant. Existing
// reservations are kept.
func (s *Service) SetStock(ctx context.Context, record domain.Record) (*domain.Record, error) {
	if record.VariantID == 0 || record.Stock < 0 {
		return nil, domain.ErrInvalidQuantity
	}
	record.UpdatedAt = s.clock.Now()
	if err := s.repo.Upsert(ctx, s.db, record); err != nil {
		return nil, err
	}
	return s.repo.FindRecord(ctx, s.db, record.VariantID)
}

// lock returns the tracked records among items, keyed by variant.
func (s *Service) lock(ctx context.Context, tx *gorm.DB, items []domain.Item) (map[snowflake.ID]domain.Record, error) {
	ids := make([]snowflake.ID, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.VariantID)
	}
	rows, err := s.repo.LockRecords(ctx, tx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[snowflake.ID]domain.Record, len(rows))
	for _, row := range rows {
		if !row.TrackInventory {
			continue
		}
		out[row.VariantID] = row
	}
	return out, nil
}

func (s *Service) reject(ctx context.Context, operation string, item domain.Item, available int) error {
	s.obsMetrics.RecordReservationRejected(ctx, operation, domain.ErrInsufficientStock.Error())
	s.log.Info("stock rejected",
		zap.String("operation", operation),
		zap.String("variant_id", item.VariantID.String()),
		zap.Int("requested", item.Quantity),
		zap.Int("available", available),
	)
	return &domain.InsufficientStockError{
		VariantID: item.VariantID,
		Requested: item.Quantity,
		Available: available,
		Operation: operation,
	}
}

// normalize merges repeated variants and sorts by variant id.
func normalize(items []domain.Item) ([]domain.Item, error) {
	merged := make(map[snowflake.ID]int, len(items))
	for _, item := range items {
		if item.VariantID == 0 || item.Quantity <= 0 {
			return nil, domain.ErrInvalidQuantity
		}
		merged[item.VariantID] += item.Quantity
	}
	out := make([]domain.Item, 0, len(merged))
	for id, qty := range merged {
		out = append(out, domain.Item{VariantID: id, Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VariantID < out[j].VariantID })
	return out, nil
}
