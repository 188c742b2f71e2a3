package controllers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"

	"github.com/timipay/kkbridge/app/models"
	"github.com/timipay/kkbridge/app/repository"
	"github.com/timipay/kkbridge/internal/pkg/env"
	"github.com/timipay/kkbridge/internal/pkg/kkpay"
	"github.com/timipay/kkbridge/internal/pkg/metrics"
)

// Gateway is the slice of the KKPay merchant API the order surface needs.
// The production implementation is kkpay.Client.
type Gateway interface {
	CreatePayLink(ctx context.Context, userOrder string, amount decimal.Decimal, coin, name string) (*kkpay.PayLink, error)
	CreateWithdrawOrder(ctx context.Context, userOrder string, amount decimal.Decimal, coin, toUserID, name string) (*kkpay.WithdrawOrder, error)
	CheckUserExists(ctx context.Context, tgID string) (bool, error)
}

// OrderController serves the internal REST surface the bot backend calls to
// create orders and read balances. All money mutation still happens through
// the reconciliation engine; creation only registers pending orders and, for
// withdrawals, reserves available balance.
type OrderController struct {
	repos   *repository.Repositories
	gateway Gateway
}

// NewOrderController creates an order controller with its dependencies.
func NewOrderController(repos *repository.Repositories, gateway Gateway) *OrderController {
	return &OrderController{
		repos:   repos,
		gateway: gateway,
	}
}

type createOrderRequest struct {
	UserID    int64  `json:"user_id" validate:"required,gt=0"`
	Kind      string `json:"kind" validate:"required,oneof=deposit withdrawal"`
	Amount    string `json:"amount" validate:"required"`
	Coin      string `json:"coin" validate:"omitempty,max=16"`
	Recipient string `json:"recipient" validate:"omitempty,max=128"`
	Name      string `json:"name" validate:"omitempty,max=64"`
}

// HandleCreateOrder processes POST /api/v1/orders.
//
// Deposits ask the gateway for a hosted pay link first and persist the order
// with the returned transaction id. Withdrawals persist first so the
// available-balance reservation is in place before the gateway accepts the
// payout; a gateway rejection then releases the reservation by failing the
// order.
func (oc *OrderController) HandleCreateOrder(c *fiber.Ctx) error {
	var req createOrderRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid JSON body"})
	}

	v := validator.New()
	if err := v.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "message": err.Error()})
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Amount is not a valid decimal number"})
	}

	kind := models.OrderKind(req.Kind)
	min := minimumAmount(kind)
	if amount.LessThan(min) {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error":   "invalid_amount",
			"message": fmt.Sprintf("Minimum %s amount is %s", kind, min),
		})
	}

	coin := strings.TrimSpace(req.Coin)
	if coin == "" {
		coin = "USDT"
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = fmt.Sprintf("user_%d", req.UserID)
	}

	orderID, err := models.NewOrderID(kind, req.UserID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to generate order id"})
	}

	order := &models.Order{
		OrderID: orderID,
		UserID:  req.UserID,
		Kind:    kind,
		Amount:  amount,
		Coin:    coin,
		State:   models.OrderStatePending,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch kind {
	case models.OrderKindDeposit:
		if err := oc.createDeposit(ctx, order, name); err != nil {
			return oc.respondCreateError(c, order, err)
		}
	case models.OrderKindWithdrawal:
		order.Recipient = strings.TrimSpace(req.Recipient)
		if order.Recipient == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Recipient is required for withdrawals"})
		}
		if err := oc.createWithdrawal(ctx, order, name); err != nil {
			return oc.respondCreateError(c, order, err)
		}
	}

	metrics.OrdersCreatedTotal.WithLabelValues(string(kind)).Inc()
	log.Infof("[OrderAPI] Created %s order %s for user %d, amount %s %s", kind, order.OrderID, order.UserID, amount, coin)
	return c.Status(fiber.StatusCreated).JSON(order)
}

// createDeposit obtains the pay link before persisting. A pay link whose
// order insert fails afterwards is harmless: the link is never handed out,
// so no payment and no callback will reference it.
func (oc *OrderController) createDeposit(ctx context.Context, order *models.Order, name string) error {
	link, err := oc.gateway.CreatePayLink(ctx, order.OrderID, order.Amount, order.Coin, name)
	if err != nil {
		return err
	}

	order.PayURL = link.PayURL
	if link.TxID != "" {
		ref := link.TxID
		order.ExternalReference = &ref
	}
	expires := time.Now().Add(orderTTL())
	order.ExpiresAt = &expires

	return oc.repos.Order.Create(order)
}

// createWithdrawal reserves the balance first and only then submits the
// payout. Withdrawals carry no expiry: once the gateway accepted the order
// the money may move at any time, so only a callback is allowed to close it.
func (oc *OrderController) createWithdrawal(ctx context.Context, order *models.Order, name string) error {
	exists, err := oc.gateway.CheckUserExists(ctx, order.Recipient)
	if err != nil {
		return err
	}
	if !exists {
		return errUnknownRecipient
	}

	if err := oc.repos.Order.Create(order); err != nil {
		return err
	}

	payout, err := oc.gateway.CreateWithdrawOrder(ctx, order.OrderID, order.Amount, order.Coin, order.Recipient, name)
	if err != nil {
		// Release the reservation; the gateway never accepted the payout.
		if _, _, ferr := oc.repos.Order.ApplyTransition(order.OrderID, models.OrderStatePending, models.OrderStateFailed, nil, ""); ferr != nil {
			log.Errorf("[OrderAPI] Failed to void withdrawal %s after gateway rejection: %v", order.OrderID, ferr)
		}
		return err
	}

	if payout.TxID != "" {
		if aerr := oc.repos.Order.AttachExternalReference(order.OrderID, payout.TxID); aerr != nil {
			// The first callback attaches the reference as a fallback.
			log.Warnf("[OrderAPI] Could not store gateway reference %s on %s: %v", payout.TxID, order.OrderID, aerr)
		} else {
			ref := payout.TxID
			order.ExternalReference = &ref
		}
	}
	return nil
}

var errUnknownRecipient = errors.New("recipient is not registered with the gateway")

func (oc *OrderController) respondCreateError(c *fiber.Ctx, order *models.Order, err error) error {
	var apiErr *kkpay.APIError
	switch {
	case errors.Is(err, errUnknownRecipient):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "unknown_recipient", "message": "Recipient is not registered with the payment gateway"})
	case errors.Is(err, repository.ErrInsufficientBalance):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "insufficient_balance", "message": "Available balance does not cover this withdrawal"})
	case errors.Is(err, repository.ErrInvalidAmount):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "invalid_amount", "message": "Amount must be positive"})
	case errors.Is(err, repository.ErrDuplicateOrder):
		log.Errorf("[OrderAPI] Order id collision on %s", order.OrderID)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to create order"})
	case errors.As(err, &apiErr):
		log.Errorf("[OrderAPI] Gateway rejected %s order for user %d: %v", order.Kind, order.UserID, apiErr)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "gateway_rejected", "message": apiErr.Message})
	default:
		log.Errorf("[OrderAPI] Creating %s order for user %d failed: %v", order.Kind, order.UserID, err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "gateway_unavailable", "message": "Payment gateway did not accept the order"})
	}
}

// HandleGetOrder processes GET /api/v1/orders/:id.
func (oc *OrderController) HandleGetOrder(c *fiber.Ctx) error {
	order, err := oc.repos.Order.GetByOrderID(c.Params("id"))
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Order not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load order"})
	}
	return c.JSON(order)
}

// HandleGetOrderByReference processes GET /api/v1/orders/by-reference/:txid,
// looking an order up by the gateway's transaction id.
func (oc *OrderController) HandleGetOrderByReference(c *fiber.Ctx) error {
	order, err := oc.repos.Order.GetByExternalReference(c.Params("txid"))
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "No order carries this reference"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load order"})
	}
	return c.JSON(order)
}

// HandleGetBalance processes GET /api/v1/users/:id/balance.
func (oc *OrderController) HandleGetBalance(c *fiber.Ctx) error {
	userID, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || userID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid user id"})
	}

	balance, err := oc.repos.Wallet.GetBalance(userID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load balance"})
	}
	return c.JSON(fiber.Map{"user_id": userID, "balance": balance})
}

// HandleListTransactions processes GET /api/v1/users/:id/transactions.
func (oc *OrderController) HandleListTransactions(c *fiber.Ctx) error {
	userID, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || userID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid user id"})
	}

	offset, _ := strconv.Atoi(c.Query("offset", "0"))
	limit, _ := strconv.Atoi(c.Query("limit", "20"))
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	entries, err := oc.repos.Wallet.ListEntries(userID, offset, limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load transactions"})
	}
	return c.JSON(fiber.Map{"user_id": userID, "entries": entries, "count": len(entries)})
}

// minimumAmount returns the configured floor for the given order kind.
func minimumAmount(kind models.OrderKind) decimal.Decimal {
	key := "MIN_DEPOSIT_AMOUNT"
	if kind == models.OrderKindWithdrawal {
		key = "MIN_WITHDRAW_AMOUNT"
	}
	min, err := decimal.NewFromString(env.GetEnv(key, "1"))
	if err != nil {
		return decimal.NewFromInt(1)
	}
	return min
}

// orderTTL returns how long a deposit order stays payable.
func orderTTL() time.Duration {
	minutes, err := strconv.Atoi(env.GetEnv("ORDER_TTL_MINUTES", "30"))
	if err != nil || minutes <= 0 {
		minutes = 30
	}
	return time.Duration(minutes) * time.Minute
}
