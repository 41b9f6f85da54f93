// Package binance provides Binance USD-M futures venue connectivity
package binance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"exec_reconciler/internal/core"
	apperrors "exec_reconciler/pkg/errors"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// VenueName identifies this adapter in reports and discrepancies.
const VenueName = core.Venue("BINANCE")

const (
	defaultRateLimit = 5.0
	defaultRateBurst = 10
	defaultKeepAlive = 30 * time.Minute
)

// Config holds the venue credentials and transport limits.
type Config struct {
	APIKey     string
	SecretKey  string
	UseTestnet bool

	// RateLimit caps signed REST calls per second with RateBurst headroom.
	RateLimit float64
	RateBurst int

	// KeepAliveInterval refreshes the user-stream listen key.
	KeepAliveInterval time.Duration
}

// Adapter implements core.IVenueAdapter against Binance USD-M futures.
type Adapter struct {
	client  *futures.Client
	logger  core.ILogger
	limiter *rate.Limiter
	cfg     Config

	ordersExec  failsafe.Executor[[]*futures.Order]
	accountExec failsafe.Executor[*futures.Account]

	streamMu        sync.Mutex
	streamStop      chan struct{}
	streamDone      chan struct{}
	listenKey       string
	keepAliveCancel context.CancelFunc
}

// New creates a Binance adapter. Credentials are required; reconciliation
// reads account state, so read-only API keys are enough.
func New(cfg Config, logger core.ILogger) (*Adapter, error) {
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("binance adapter: %w: missing API credentials", apperrors.ErrAuthenticationFailed)
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = defaultRateBurst
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = defaultKeepAlive
	}

	futures.UseTestnet = cfg.UseTestnet
	client := gobinance.NewFuturesClient(cfg.APIKey, cfg.SecretKey)

	return &Adapter{
		client:      client,
		logger:      logger.WithField("component", "binance_adapter"),
		limiter:     rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		cfg:         cfg,
		ordersExec:  failsafe.With(newRetryPolicy[[]*futures.Order]()),
		accountExec: failsafe.With(newRetryPolicy[*futures.Account]()),
	}, nil
}

// newRetryPolicy retries transient venue failures with jittered backoff.
// Permanent errors (auth, bad symbol) fail the call immediately.
func newRetryPolicy[T any]() retrypolicy.RetryPolicy[T] {
	return retrypolicy.NewBuilder[T]().
		HandleIf(func(_ T, err error) bool {
			return err != nil && isTransient(err)
		}).
		WithBackoff(100*time.Millisecond, 2*time.Second).
		WithMaxRetries(3).
		Build()
}

func isTransient(err error) bool {
	return errors.Is(err, apperrors.ErrNetwork) ||
		errors.Is(err, apperrors.ErrRateLimitExceeded) ||
		errors.Is(err, apperrors.ErrSystemOverload) ||
		errors.Is(err, apperrors.ErrTimestampOutOfBounds)
}

// Name returns the venue identifier.
func (a *Adapter) Name() core.Venue {
	return VenueName
}

// CheckHealth pings the venue REST endpoint.
func (a *Adapter) CheckHealth(ctx context.Context) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := a.client.NewPingService().Do(ctx); err != nil {
		return mapError(err)
	}
	return nil
}

// PollState fetches the complete execution-state snapshot: all open orders
// plus the account's live positions. Any fetch or mapping failure fails the
// whole poll; a partial report is never returned.
func (a *Adapter) PollState(ctx context.Context, accountID core.AccountID) (*core.ReconciliationReport, error) {
	openOrders, err := a.fetchOpenOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch open orders: %w", err)
	}

	account, err := a.fetchAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch account: %w", err)
	}

	polledAt := time.Now().UTC()
	report := core.NewReconciliationReport(accountID, VenueName, polledAt)

	for _, order := range openOrders {
		rec, rerr := orderRecord(order, polledAt)
		if rerr != nil {
			return nil, fmt.Errorf("map order %d: %w", order.OrderID, rerr)
		}
		report.AddOrderReport(rec)
	}

	for _, position := range account.Positions {
		rec, ok, rerr := positionRecord(position, polledAt)
		if rerr != nil {
			return nil, fmt.Errorf("map position %s: %w", position.Symbol, rerr)
		}
		if !ok {
			// Zero rows cover every configured symbol; absence from the
			// report already means flat downstream.
			continue
		}
		report.AddPositionReport(rec)
	}

	return report, nil
}

func (a *Adapter) fetchOpenOrders(ctx context.Context) ([]*futures.Order, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return a.ordersExec.Get(func() ([]*futures.Order, error) {
		orders, err := a.client.NewListOpenOrdersService().Do(ctx)
		if err != nil {
			return nil, mapError(err)
		}
		return orders, nil
	})
}

func (a *Adapter) fetchAccount(ctx context.Context) (*futures.Account, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return a.accountExec.Get(func() (*futures.Account, error) {
		account, err := a.client.NewGetAccountService().Do(ctx)
		if err != nil {
			return nil, mapError(err)
		}
		return account, nil
	})
}

// StartOrderStream opens the user-data stream and forwards order updates to
// the callback. The listen key is refreshed in the background until
// StopOrderStream.
func (a *Adapter) StartOrderStream(ctx context.Context, callback func(core.OrderStateRecord)) error {
	a.streamMu.Lock()
	defer a.streamMu.Unlock()

	if a.streamStop != nil {
		return apperrors.ErrStreamAlreadyActive
	}

	listenKey, err := a.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return fmt.Errorf("start user stream: %w", mapError(err))
	}

	wsHandler := func(event *futures.WsUserDataEvent) {
		if event.Event != futures.UserDataEventTypeOrderTradeUpdate {
			return
		}
		rec, merr := streamOrderRecord(event)
		if merr != nil {
			a.logger.Warn("Dropping unmappable stream update", "error", merr)
			return
		}
		callback(rec)
	}
	errHandler := func(serr error) {
		a.logger.Error("User stream error", "error", serr)
	}

	doneC, stopC, err := futures.WsUserDataServe(listenKey, wsHandler, errHandler)
	if err != nil {
		return fmt.Errorf("serve user stream: %w", err)
	}

	a.listenKey = listenKey
	a.streamStop = stopC
	a.streamDone = doneC

	keepAliveCtx, cancel := context.WithCancel(context.Background())
	a.keepAliveCancel = cancel
	go a.keepAliveLoop(keepAliveCtx, listenKey)

	a.logger.Info("User data stream started")
	return nil
}

// StopOrderStream closes the stream and releases the listen key.
func (a *Adapter) StopOrderStream() error {
	a.streamMu.Lock()
	defer a.streamMu.Unlock()

	if a.streamStop == nil {
		return nil
	}

	a.keepAliveCancel()
	// The stream goroutine may already be gone after a socket drop, so the
	// stop send must not block.
	select {
	case a.streamStop <- struct{}{}:
	default:
	}
	select {
	case <-a.streamDone:
	case <-time.After(5 * time.Second):
		a.logger.Warn("Timed out waiting for user stream shutdown")
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.client.NewCloseUserStreamService().ListenKey(a.listenKey).Do(closeCtx); err != nil {
		a.logger.Warn("Failed to close user stream listen key", "error", mapError(err))
	}

	a.streamStop = nil
	a.streamDone = nil
	a.listenKey = ""

	a.logger.Info("User data stream stopped")
	return nil
}

// keepAliveLoop refreshes the listen key; Binance expires it after 60
// minutes without a keepalive.
func (a *Adapter) keepAliveLoop(ctx context.Context, listenKey string) {
	ticker := time.NewTicker(a.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
				a.logger.Error("User stream keepalive failed", "error", mapError(err))
			}
		}
	}
}

// mapError normalizes Binance API error codes onto the standardized venue
// errors so callers can branch with errors.Is.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}

	switch apiErr.Code {
	case -1003, -1015:
		return fmt.Errorf("%w: %s", apperrors.ErrRateLimitExceeded, apiErr.Message)
	case -1001, -1007:
		return fmt.Errorf("%w: %s", apperrors.ErrNetwork, apiErr.Message)
	case -1008:
		return fmt.Errorf("%w: %s", apperrors.ErrSystemOverload, apiErr.Message)
	case -1016:
		return fmt.Errorf("%w: %s", apperrors.ErrVenueMaintenance, apiErr.Message)
	case -1021:
		return fmt.Errorf("%w: %s", apperrors.ErrTimestampOutOfBounds, apiErr.Message)
	case -1121:
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidInstrument, apiErr.Message)
	case -2013:
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, apiErr.Message)
	case -2014, -2015:
		return fmt.Errorf("%w: %s", apperrors.ErrAuthenticationFailed, apiErr.Message)
	}

	return err
}

// mapOrderState maps a venue order status onto the order lifecycle. Binance
// never reports a pre-acknowledgement state, so NEW maps to ACCEPTED.
func mapOrderState(status futures.OrderStatusType) (core.OrderState, error) {
	switch status {
	case futures.OrderStatusTypeNew:
		return core.OrderStateAccepted, nil
	case futures.OrderStatusTypePartiallyFilled:
		return core.OrderStatePartiallyFilled, nil
	case futures.OrderStatusTypeFilled:
		return core.OrderStateFilled, nil
	case futures.OrderStatusTypeCanceled:
		return core.OrderStateCanceled, nil
	case futures.OrderStatusTypeRejected:
		return core.OrderStateRejected, nil
	case futures.OrderStatusTypeExpired:
		return core.OrderStateExpired, nil
	}
	return core.OrderStateUnspecified, fmt.Errorf("unmapped binance order status %q", status)
}

func orderRecord(order *futures.Order, fallback time.Time) (core.OrderStateRecord, error) {
	state, err := mapOrderState(order.Status)
	if err != nil {
		return core.OrderStateRecord{}, err
	}

	filled, err := decimal.NewFromString(order.ExecutedQuantity)
	if err != nil {
		return core.OrderStateRecord{}, fmt.Errorf("parse executed qty %q: %w", order.ExecutedQuantity, err)
	}

	ts := fallback
	if order.UpdateTime > 0 {
		ts = time.UnixMilli(order.UpdateTime).UTC()
	}

	return core.NewOrderStateRecord(
		core.ClientOrderID(order.ClientOrderID),
		core.VenueOrderID(strconv.FormatInt(order.OrderID, 10)),
		state,
		filled,
		ts,
	)
}

// positionRecord maps one account position row. Zero-amount rows return
// ok=false and are skipped; Binance lists every configured symbol.
func positionRecord(position *futures.AccountPosition, fallback time.Time) (core.PositionStateRecord, bool, error) {
	amount, err := decimal.NewFromString(position.PositionAmt)
	if err != nil {
		return core.PositionStateRecord{}, false, fmt.Errorf("parse position amount %q: %w", position.PositionAmt, err)
	}
	if amount.IsZero() {
		return core.PositionStateRecord{}, false, nil
	}

	ts := fallback
	if position.UpdateTime > 0 {
		ts = time.UnixMilli(position.UpdateTime).UTC()
	}

	side := core.PositionSideLong
	if amount.IsNegative() {
		side = core.PositionSideShort
	}

	rec, err := core.NewPositionStateRecord(core.InstrumentID(position.Symbol), side, amount.Abs(), ts)
	if err != nil {
		return core.PositionStateRecord{}, false, err
	}
	return rec, true, nil
}

func streamOrderRecord(event *futures.WsUserDataEvent) (core.OrderStateRecord, error) {
	update := event.OrderTradeUpdate

	state, err := mapOrderState(futures.OrderStatusType(update.Status))
	if err != nil {
		return core.OrderStateRecord{}, err
	}

	filled, err := decimal.NewFromString(update.AccumulatedFilledQty)
	if err != nil {
		return core.OrderStateRecord{}, fmt.Errorf("parse accumulated qty %q: %w", update.AccumulatedFilledQty, err)
	}

	ts := time.Now().UTC()
	if event.TransactionTime > 0 {
		ts = time.UnixMilli(event.TransactionTime).UTC()
	}

	return core.NewOrderStateRecord(
		core.ClientOrderID(update.ClientOrderID),
		core.VenueOrderID(strconv.FormatInt(update.ID, 10)),
		state,
		filled,
		ts,
	)
}
