package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/orderflow/internal/alert"
	cartdomain "github.com/smallbiznis/orderflow/internal/cart/domain"
	cartservice "github.com/smallbiznis/orderflow/internal/cart/service"
	"github.com/smallbiznis/orderflow/internal/clock"
	"github.com/smallbiznis/orderflow/internal/config"
	inboundeventservice "github.com/smallbiznis/orderflow/internal/inboundevent/service"
	inventorydomain "github.com/smallbiznis/orderflow/internal/inventory/domain"
	inventoryservice "github.com/smallbiznis/orderflow/internal/inventory/service"
	"github.com/smallbiznis/orderflow/internal/notification"
	obsmetrics "github.com/smallbiznis/orderflow/internal/observability/metrics"
	"github.com/smallbiznis/orderflow/internal/order/domain"
	pricingservice "github.com/smallbiznis/orderflow/internal/pricing/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const orderSequence = "orders"

var templates = map[domain.Status]string{
	domain.StatusPaid:      notification.TemplateOrderConfirmed,
	domain.StatusShipped:   notification.TemplateOrderShipped,
	domain.StatusCancelled: notification.TemplateOrderCancelled,
	domain.StatusRefunded:  notification.TemplateOrderRefunded,
}

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       domain.Repository
	Events     *inboundeventservice.Service
	Carts      *cartservice.Service
	Pricing    *pricingservice.Service
	Inventory  *inventoryservice.Service
	Gateway    domain.Gateway
	Notifier   notification.Notifier
	Alerter    alert.Alerter
	Clock      clock.Clock
	Cfg        *config.FulfillmentConfigHolder `optional:"true"`
	ObsMetrics *obsmetrics.Metrics             `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       domain.Repository
	events     *inboundeventservice.Service
	carts      *cartservice.Service
	pricing    *pricingservice.Service
	inventory  *inventoryservice.Service
	gateway    domain.Gateway
	notifier   notification.Notifier
	alerter    alert.Alerter
	clock      clock.Clock
	cfg        *config.FulfillmentConfigHolder
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	notifier := p.Notifier
	if notifier == nil {
		notifier = notification.Noop{}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("order.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		events:     p.Events,
		carts:      p.Carts,
		pricing:    p.Pricing,
		inventory:  p.Inventory,
		gateway:    p.Gateway,
		notifier:   notifier,
		alerter:    p.Alerter,
		clock:      clk,
		cfg:        p.Cfg,
		obsMetrics: p.ObsMetrics,
	}
}

// entered records a state reached inside a committed transaction so side
// effects can run after commit.
type entered struct {
	from    domain.Status
	to      domain.Status
	comment string
}

// CreateFromPayment turns a captured payment into a PAID order. Claiming the
// inbound event, consuming stock, persisting the order and converting the
// cart commit together or not at all.
func (s *Service) CreateFromPayment(ctx context.Context, req domain.CreateFromPaymentRequest) (*domain.Order, error) {
	req.Provider = strings.ToLower(strings.TrimSpace(req.Provider))
	req.ExternalPaymentID = strings.TrimSpace(req.ExternalPaymentID)
	if req.InboundEventID == 0 || req.CartID == 0 || req.Provider == "" || req.ExternalPaymentID == "" {
		return nil, domain.ErrInvalidRequest
	}

	cfg := s.cfg.Get()
	var order *domain.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.events.MarkProcessedTx(ctx, tx, req.InboundEventID); err != nil {
			return err
		}

		cart, err := s.carts.LockTx(ctx, tx, req.CartID)
		if err != nil {
			if errors.Is(err, cartdomain.ErrCartNotFound) {
				return &domain.CheckoutRejectedError{Reason: "cart_not_found"}
			}
			return err
		}
		if cart.Status != cartdomain.StatusActive {
			return &domain.CheckoutRejectedError{Reason: "cart_not_active"}
		}
		if req.Currency != "" && !strings.EqualFold(req.Currency, cart.Currency) {
			return &domain.CheckoutRejectedError{Reason: "currency_mismatch"}
		}

		validation, err := s.pricing.ValidateCartForCheckoutTx(ctx, tx, cart.PricingInput(), cart.Currency)
		if err != nil {
			return err
		}
		if !validation.Valid {
			return &domain.CheckoutRejectedError{Reason: "cart_invalid", Errors: validation.Errors}
		}
		calc := validation.Calculation

		consumed := make([]inventorydomain.Item, 0, len(calc.Lines))
		for _, line := range calc.Lines {
			consumed = append(consumed, inventorydomain.Item{VariantID: line.VariantID, Quantity: line.Quantity})
		}
		if err := s.inventory.DecrementTx(ctx, tx, consumed); err != nil {
			return err
		}

		seq, err := s.repo.NextSequence(ctx, tx, orderSequence)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		total := pricingservice.RoundHalfEven(
			calc.Subtotal.Add(req.Tax).Add(req.Shipping).Sub(req.Discount),
			cfg.CurrencyDecimals,
		)
		order = &domain.Order{
			ID:             s.genID.Generate(),
			OrderNumber:    fmt.Sprintf("%s%d", cfg.OrderNumberPrefix, seq),
			CartID:         cart.ID,
			InboundEventID: req.InboundEventID,
			UserID:         cart.UserID,
			AnonymousID:    cart.AnonymousID,
			Email:          strings.TrimSpace(req.Email),
			Status:         domain.StatusPaid,
			Currency:       cart.Currency,
			SubtotalAmount: calc.Subtotal,
			TaxAmount:      req.Tax,
			ShippingAmount: req.Shipping,
			DiscountAmount: req.Discount,
			TotalAmount:    total,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := s.repo.InsertOrder(ctx, tx, order); err != nil {
			return err
		}

		items := make([]domain.Item, 0, len(calc.Lines))
		for _, line := range calc.Lines {
			items = append(items, domain.Item{
				ID:        s.genID.Generate(),
				OrderID:   order.ID,
				VariantID: line.VariantID,
				SKU:       line.SKU,
				Name:      line.Name,
				UnitPrice: line.UnitPrice,
				Quantity:  line.Quantity,
				LineTotal: line.LineTotal,
				CreatedAt: now,
			})
		}
		if err := s.repo.InsertItems(ctx, tx, items); err != nil {
			return err
		}
		order.Items = items

		payment := domain.Payment{
			ID:              s.genID.Generate(),
			OrderID:         order.ID,
			Amount:          req.AmountPaid,
			Currency:        cart.Currency,
			Method:          req.Provider,
			ExternalID:      req.ExternalPaymentID,
			Status:          domain.PaymentCompleted,
			TransactionData: req.TransactionData,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := s.repo.InsertPayment(ctx, tx, &payment); err != nil {
			return err
		}
		order.Payments = []domain.Payment{payment}

		entry := domain.StatusHistory{
			ID:        s.genID.Generate(),
			OrderID:   order.ID,
			Status:    domain.StatusPaid,
			Comment:   "order created from payment " + req.ExternalPaymentID,
			Actor:     domain.ActorSystem,
			CreatedAt: now,
		}
		if err := s.repo.InsertHistory(ctx, tx, &entry); err != nil {
			return err
		}
		order.History = []domain.StatusHistory{entry}

		return s.carts.MarkConvertedTx(ctx, tx, cart.ID)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("order created",
		zap.String("order_id", order.ID.String()),
		zap.String("order_number", order.OrderNumber),
		zap.String("cart_id", order.CartID.String()),
		zap.String("total", order.TotalAmount.String()),
		zap.String("currency", order.Currency),
	)
	s.obsMetrics.RecordOrderCreated(ctx, order.Currency)

	if !req.AmountPaid.Equal(order.TotalAmount) {
		s.alert(ctx, alert.ReasonTotalMismatch, "paid amount differs from computed order total", map[string]string{
			"order_number": order.OrderNumber,
			"paid":         req.AmountPaid.String(),
			"computed":     order.TotalAmount.String(),
			"currency":     order.Currency,
			"payment_id":   req.ExternalPaymentID,
		})
	}

	s.notify(ctx, order, entered{to: domain.StatusPaid})
	return order, nil
}

// Transition applies an administrative status change. Entering CANCELLED or
// REFUNDED reverses every completed charge first; a gateway failure leaves
// the order untouched.
func (s *Service) Transition(ctx context.Context, req domain.TransitionRequest) (*domain.Order, error) {
	if req.OrderID == 0 {
		return nil, domain.ErrInvalidRequest
	}
	if _, ok := domain.ParseStatus(string(req.To)); !ok {
		return nil, domain.ErrInvalidRequest
	}
	actor := strings.TrimSpace(req.Actor)
	if actor == "" {
		actor = domain.ActorSystem
	}
	return s.transition(ctx, req.OrderID, req.To, strings.TrimSpace(req.Comment), actor, nil)
}

// Cancel is the customer cancellation path. It is only open while the order
// is PAID; later orders must go through a refund request.
func (s *Service) Cancel(ctx context.Context, orderID snowflake.ID, owner cartdomain.Owner, reason string) (*domain.Order, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	return s.transition(ctx, orderID, domain.StatusCancelled, customerComment("cancelled by customer", reason), customerActor(owner),
		func(order *domain.Order) error {
			if !ownedBy(order, owner) {
				return domain.ErrOrderNotFound
			}
			if order.Status != domain.StatusPaid {
				return &domain.IllegalTransitionError{From: order.Status, To: domain.StatusCancelled}
			}
			return nil
		})
}

// RequestRefund opens a refund for a delivered order.
func (s *Service) RequestRefund(ctx context.Context, orderID snowflake.ID, owner cartdomain.Owner, reason string) (*domain.Order, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	return s.transition(ctx, orderID, domain.StatusRefundRequested, customerComment("refund requested by customer", reason), customerActor(owner),
		func(order *domain.Order) error {
			if !ownedBy(order, owner) {
				return domain.ErrOrderNotFound
			}
			if order.Status != domain.StatusDelivered {
				return &domain.IllegalTransitionError{From: order.Status, To: domain.StatusRefundRequested}
			}
			return nil
		})
}

// ApplyGatewayRefund records a refund issued at the gateway. The charge is
// already reversed, so no compensating call is made. The inbound event is
// claimed in the same transaction.
func (s *Service) ApplyGatewayRefund(ctx context.Context, req domain.GatewayRefundRequest) (*domain.Order, error) {
	req.Provider = strings.ToLower(strings.TrimSpace(req.Provider))
	req.ExternalPaymentID = strings.TrimSpace(req.ExternalPaymentID)
	if req.InboundEventID == 0 || req.Provider == "" || req.ExternalPaymentID == "" {
		return nil, domain.ErrInvalidRequest
	}

	var (
		order *domain.Order
		moves []entered
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.events.MarkProcessedTx(ctx, tx, req.InboundEventID); err != nil {
			return err
		}

		payment, err := s.repo.FindPaymentByExternal(ctx, tx, req.Provider, req.ExternalPaymentID)
		if err != nil {
			return err
		}
		if payment == nil {
			return domain.ErrPaymentNotFound
		}

		order, err = s.repo.LockByID(ctx, tx, payment.OrderID)
		if err != nil {
			return err
		}
		if order == nil {
			return domain.ErrOrderNotFound
		}

		var path []domain.Status
		switch order.Status {
		case domain.StatusRefundRequested:
			path = []domain.Status{domain.StatusRefunded}
		case domain.StatusPaid, domain.StatusShipped:
			path = []domain.Status{domain.StatusCancelled}
		case domain.StatusDelivered:
			path = []domain.Status{domain.StatusRefundRequested, domain.StatusRefunded}
		case domain.StatusCancelled, domain.StatusRefunded:
			s.log.Info("gateway refund for terminal order ignored",
				zap.String("order_number", order.OrderNumber),
				zap.String("status", order.Status.String()),
			)
			return nil
		default:
			return &domain.IllegalTransitionError{From: order.Status, To: domain.StatusRefunded}
		}

		for _, to := range path {
			move, err := s.applyTx(ctx, tx, order, to, "refund issued at gateway", domain.ActorGateway, false)
			if err != nil {
				return err
			}
			moves = append(moves, move)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, move := range moves {
		s.afterTransition(ctx, order, move)
	}
	return order, nil
}

// Get returns an order with its items, payments and history.
func (s *Service) Get(ctx context.Context, id snowflake.ID) (*domain.Order, error) {
	order, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, domain.ErrOrderNotFound
	}
	if err := s.load(ctx, s.db, order); err != nil {
		return nil, err
	}
	return order, nil
}

// GetForOwner hides orders placed by someone else behind ErrOrderNotFound.
func (s *Service) GetForOwner(ctx context.Context, id snowflake.ID, owner cartdomain.Owner) (*domain.Order, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	order, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ownedBy(order, owner) {
		return nil, domain.ErrOrderNotFound
	}
	return order, nil
}

func (s *Service) FindByInboundEvent(ctx context.Context, eventID snowflake.ID) (*domain.Order, error) {
	return s.repo.FindByInboundEvent(ctx, s.db, eventID)
}

func (s *Service) List(ctx context.Context, req domain.ListRequest) ([]domain.Order, error) {
	if req.Limit <= 0 || req.Limit > 200 {
		req.Limit = 50
	}
	return s.repo.List(ctx, s.db, req)
}

func (s *Service) transition(
	ctx context.Context,
	orderID snowflake.ID,
	to domain.Status,
	comment string,
	actor string,
	guard func(*domain.Order) error,
) (*domain.Order, error) {
	var (
		order *domain.Order
		move  entered
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		order, err = s.repo.LockByID(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if order == nil {
			return domain.ErrOrderNotFound
		}
		if guard != nil {
			if err := guard(order); err != nil {
				return err
			}
		}
		move, err = s.applyTx(ctx, tx, order, to, comment, actor, true)
		return err
	})
	if err != nil {
		var illegal *domain.IllegalTransitionError
		if errors.As(err, &illegal) {
			s.log.Info("order transition rejected",
				zap.String("order_id", orderID.String()),
				zap.String("from", illegal.From.String()),
				zap.String("to", illegal.To.String()),
				zap.String("actor", actor),
			)
		}
		return nil, err
	}

	s.afterTransition(ctx, order, move)
	if err := s.load(ctx, s.db, order); err != nil {
		return nil, err
	}
	return order, nil
}

// applyTx moves a locked order one step. The history entry, payment status
// and restock are written in the same transaction as the status.
func (s *Service) applyTx(
	ctx context.Context,
	tx *gorm.DB,
	order *domain.Order,
	to domain.Status,
	comment string,
	actor string,
	compensate bool,
) (entered, error) {
	from := order.Status
	if !domain.CanTransition(from, to) {
		return entered{}, &domain.IllegalTransitionError{From: from, To: to}
	}

	if to.Compensates() {
		payments, err := s.repo.ListPayments(ctx, tx, order.ID)
		if err != nil {
			return entered{}, err
		}
		if compensate {
			if err := s.compensate(ctx, order, payments); err != nil {
				return entered{}, err
			}
		}
	}

	now := s.clock.Now()
	moved, err := s.repo.UpdateStatus(ctx, tx, order.ID, from, to, now)
	if err != nil {
		return entered{}, err
	}
	if !moved {
		return entered{}, &domain.IllegalTransitionError{From: from, To: to}
	}

	fromCopy := from
	if err := s.repo.InsertHistory(ctx, tx, &domain.StatusHistory{
		ID:         s.genID.Generate(),
		OrderID:    order.ID,
		FromStatus: &fromCopy,
		Status:     to,
		Comment:    comment,
		Actor:      actor,
		CreatedAt:  now,
	}); err != nil {
		return entered{}, err
	}

	if to.Compensates() {
		if err := s.repo.MarkPaymentsRefunded(ctx, tx, order.ID, now); err != nil {
			return entered{}, err
		}
		items, err := s.repo.ListItems(ctx, tx, order.ID)
		if err != nil {
			return entered{}, err
		}
		restock := make([]inventorydomain.Item, 0, len(items))
		for _, item := range items {
			restock = append(restock, inventorydomain.Item{VariantID: item.VariantID, Quantity: item.Quantity})
		}
		if err := s.inventory.IncrementTx(ctx, tx, restock); err != nil {
			return entered{}, err
		}
	}

	order.Status = to
	order.UpdatedAt = now
	return entered{from: from, to: to, comment: comment}, nil
}

func (s *Service) compensate(ctx context.Context, order *domain.Order, payments []domain.Payment) error {
	for _, payment := range payments {
		if payment.Status != domain.PaymentCompleted {
			continue
		}
		err := s.gateway.Refund(ctx, payment)
		switch {
		case err == nil:
			s.log.Info("charge reversed",
				zap.String("order_number", order.OrderNumber),
				zap.String("method", payment.Method),
				zap.String("payment_id", payment.ExternalID),
			)
		case errors.Is(err, domain.ErrAlreadyRefunded):
			s.log.Info("charge already reversed at gateway",
				zap.String("order_number", order.OrderNumber),
				zap.String("payment_id", payment.ExternalID),
			)
		default:
			s.log.Error("gateway refund failed",
				zap.String("order_number", order.OrderNumber),
				zap.String("payment_id", payment.ExternalID),
				zap.Error(err),
			)
			return &domain.GatewayCompensationError{PaymentExternalID: payment.ExternalID, Err: err}
		}
	}
	return nil
}

func (s *Service) afterTransition(ctx context.Context, order *domain.Order, move entered) {
	s.log.Info("order transitioned",
		zap.String("order_number", order.OrderNumber),
		zap.String("from", move.from.String()),
		zap.String("to", move.to.String()),
	)
	s.obsMetrics.RecordOrderTransition(ctx, move.from.String(), move.to.String())
	if move.to.NotifiesOn() {
		s.notify(ctx, order, move)
	}
}

// notify never fails the caller; the transition has already committed.
func (s *Service) notify(ctx context.Context, order *domain.Order, move entered) {
	templateID, ok := templates[move.to]
	if !ok {
		return
	}
	if order.Email == "" {
		s.log.Debug("order has no email, notification skipped",
			zap.String("order_number", order.OrderNumber),
			zap.String("template", templateID),
		)
		return
	}
	data := map[string]any{
		"order_number": order.OrderNumber,
		"status":       string(move.to),
		"total":        order.TotalAmount.StringFixed(s.cfg.Get().CurrencyDecimals),
		"currency":     order.Currency,
	}
	if move.comment != "" {
		data["comment"] = move.comment
	}
	if err := s.notifier.Send(ctx, order.Email, templateID, data); err != nil {
		s.log.Warn("order notification failed",
			zap.String("order_number", order.OrderNumber),
			zap.String("template", templateID),
			zap.Error(err),
		)
	}
}

func (s *Service) alert(ctx context.Context, reason, message string, fields map[string]string) {
	if s.alerter == nil {
		return
	}
	s.alerter.Notify(ctx, reason, message, fields)
}

func (s *Service) load(ctx context.Context, db *gorm.DB, order *domain.Order) error {
	items, err := s.repo.ListItems(ctx, db, order.ID)
	if err != nil {
		return err
	}
	payments, err := s.repo.ListPayments(ctx, db, order.ID)
	if err != nil {
		return err
	}
	history, err := s.repo.ListHistory(ctx, db, order.ID)
	if err != nil {
		return err
	}
	order.Items = items
	order.Payments = payments
	order.History = history
	return nil
}

func ownedBy(order *domain.Order, owner cartdomain.Owner) bool {
	owner = owner.Normalize()
	return order.OwnedBy(owner.UserID, owner.AnonymousID)
}

func customerActor(owner cartdomain.Owner) string {
	return "customer:" + owner.Key()
}

func customerComment(prefix, reason string) string {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return prefix
	}
	return prefix + ": " + reason
}
