package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/orderflow/internal/config"
	"github.com/smallbiznis/orderflow/internal/pricing/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Repo  domain.Repository
	Stock domain.StockReader
	Cfg   *config.FulfillmentConfigHolder `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	repo  domain.Repository
	stock domain.StockReader
	cfg   *config.FulfillmentConfigHolder
}

func NewService(p Params) *Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("pricing.service"),
		repo:  p.Repo,
		stock: p.Stock,
		cfg:   p.Cfg,
	}
}

func (s *Service) CalculateCart(ctx context.Context, cart domain.Cart, currency string) (domain.CartCalculation, error) {
	return s.CalculateCartTx(ctx, s.db, cart, currency)
}

// CalculateCartTx prices every line strictly in currency. Lines without a
// price in that currency are skipped and reported in MissingPrices.
func (s *Service) CalculateCartTx(ctx context.Context, db *gorm.DB, cart domain.Cart, currency string) (domain.CartCalculation, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		return domain.CartCalculation{}, domain.ErrInvalidCurrency
	}
	places := s.cfg.Get().CurrencyDecimals

	calc := domain.CartCalculation{
		CartID:   cart.ID,
		Currency: currency,
		Lines:    []domain.LineCalculation{},
		Subtotal: decimal.Zero,
	}
	if len(cart.Lines) == 0 {
		calc.Subtotal = RoundHalfEven(decimal.Zero, places)
		return calc, nil
	}

	ids := make([]snowflake.ID, 0, len(cart.Lines))
	for _, line := range cart.Lines {
		ids = append(ids, line.VariantID)
	}
	variants, err := s.repo.FindVariants(ctx, db, ids)
	if err != nil {
		return domain.CartCalculation{}, err
	}
	prices, err := s.repo.FindPrices(ctx, db, ids, currency)
	if err != nil {
		return domain.CartCalculation{}, err
	}

	variantByID := make(map[snowflake.ID]domain.Variant, len(variants))
	for _, v := range variants {
		variantByID[v.ID] = v
	}
	priceByID := make(map[snowflake.ID]decimal.Decimal, len(prices))
	for _, p := range prices {
		priceByID[p.VariantID] = p.Amount
	}

	sum := decimal.Zero
	for _, line := range cart.Lines {
		variant, ok := variantByID[line.VariantID]
		if !ok {
			calc.UnknownVariants = append(calc.UnknownVariants, line.VariantID)
			s.log.Error("cart line references unknown variant",
				zap.String("cart_id", cart.ID.String()),
				zap.String("variant_id", line.VariantID.String()),
			)
			continue
		}
		unit, ok := priceByID[line.VariantID]
		if !ok {
			calc.MissingPrices = append(calc.MissingPrices, line.VariantID)
			s.log.Error("no price for variant in requested currency",
				zap.String("cart_id", cart.ID.String()),
				zap.String("variant_id", line.VariantID.String()),
				zap.String("currency", currency),
			)
			continue
		}

		lineTotal := RoundHalfEven(unit.Mul(decimal.NewFromInt(int64(line.Quantity))), places)
		calc.Lines = append(calc.Lines, domain.LineCalculation{
			VariantID: line.VariantID,
			SKU:       variant.SKU,
			Name:      variant.Name,
			UnitPrice: unit,
			Quantity:  line.Quantity,
			LineTotal: lineTotal,
		})
		sum = sum.Add(lineTotal)
		calc.ItemCount += line.Quantity
	}
	calc.Subtotal = RoundHalfEven(sum, places)
	return calc, nil
}

func (s *Service) ValidateCartForCheckout(ctx context.Context, cart domain.Cart, currency string) (domain.Validation, error) {
	return s.ValidateCartForCheckoutTx(ctx, s.db, cart, currency)
}

// ValidateCartForCheckoutTx must run again inside the order-creation
// transaction. The cart's own quantities count as already reserved.
func (s *Service) ValidateCartForCheckoutTx(ctx context.Context, db *gorm.DB, cart domain.Cart, currency string) (domain.Validation, error) {
	calc, err := s.CalculateCartTx(ctx, db, cart, currency)
	if err != nil {
		return domain.Validation{}, err
	}

	result := domain.Validation{Calculation: calc}
	if len(cart.Lines) == 0 {
		result.Errors = append(result.Errors, domain.ValidationError{
			Code:    domain.CodeEmptyCart,
			Message: "cart has no items",
		})
	}
	for _, id := range calc.UnknownVariants {
		result.Errors = append(result.Errors, lineError(domain.CodeUnknownVariant, id, "variant %s does not exist"))
	}
	for _, id := range calc.MissingPrices {
		result.Errors = append(result.Errors, lineError(domain.CodeMissingPrice, id, "variant %s has no price in "+calc.Currency))
	}

	for _, line := range cart.Lines {
		record, err := s.stock.RecordTx(ctx, db, line.VariantID)
		if err != nil {
			return domain.Validation{}, err
		}
		if record == nil || !record.TrackInventory || record.AllowBackorder {
			continue
		}
		if record.ReservedStock < line.Quantity || record.Stock < line.Quantity {
			result.Errors = append(result.Errors, lineError(domain.CodeInsufficientStock, line.VariantID, "variant %s does not have enough stock"))
		}
	}

	result.Valid = len(result.Errors) == 0
	return result, nil
}

func lineError(code string, variantID snowflake.ID, format string) domain.ValidationError {
	id := variantID
	return domain.ValidationError{
		Code:      code,
		VariantID: &id,
		Message:   fmt.Sprintf(format, variantID.String()),
	}
}
