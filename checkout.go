package peac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/peacprotocol/peac-x402-receipts-demo/token"
	"github.com/peacprotocol/peac-x402-receipts-demo/types"
)

// Checkout defaults
const (
	DefaultChain           = "base"
	DefaultCurrency        = "USDC"
	DefaultPublicOrigin    = "http://localhost:4021"
	DefaultExternalTimeout = 10 * time.Second

	PathCheckout       = "/api/shop/checkout"
	PathCheckoutDirect = "/api/shop/checkout-direct"

	subjectDirect = "direct-checkout"
	subjectCart   = "cart:"
)

// Variant selects how the basket is supplied
type Variant string

const (
	VariantDirect Variant = "direct"
	VariantCart   Variant = "cart"
)

// State is a checkout state machine state
type State string

const (
	StateQuoting         State = "QUOTING"
	StatePaymentRequired State = "PAYMENT_REQUIRED"
	StateProofSubmitted  State = "PROOF_SUBMITTED"
	StateCompleted       State = "COMPLETED"
	StateFailed          State = "FAILED"
)

// CheckoutRequest is one checkout call. Method, Path and Query are recorded in the receipt.
type CheckoutRequest struct {
	Variant Variant
	Method  string
	Path    string
	Query   string

	// Items is the direct-checkout basket
	Items []types.Item

	// CartID and CartToken identify the cart for cart checkout
	CartID    string
	CartToken string

	SessionToken   string
	ProofID        string
	IdempotencyKey string
}

// X402Challenge is the x402 block of a 402 response
type X402Challenge struct {
	SessionID         string       `json:"session_id"`
	AmountUSD         types.Amount `json:"amount_usd"`
	Currency          string       `json:"currency"`
	Chain             string       `json:"chain"`
	FacilitatorVerify bool         `json:"facilitator_verify"`
}

// PolicyPointer tells the buyer where the policy lives
type PolicyPointer struct {
	Policy   string `json:"policy"`
	Receipts string `json:"receipts"`
}

// PaymentRequired is the 402 response body
type PaymentRequired struct {
	Error        string        `json:"error"`
	Message      string        `json:"message"`
	X402         X402Challenge `json:"x402"`
	SessionToken string        `json:"session_token"`
	PEAC         PolicyPointer `json:"peac"`
}

// CheckoutResult is a successful state machine outcome: either a 402
// challenge or a completed order
type CheckoutResult struct {
	State           State
	Status          int
	PaymentRequired *PaymentRequired
	Order           *types.Order
	OrderID         string
	// Body is the exact serialized order covered by the receipt's body hash
	Body     []byte
	Receipt  string
	Replayed bool
}

// Checkout runs the checkout state machine for both variants
type Checkout struct {
	codec    *token.Codec
	catalog  Catalog
	verifier PaymentVerifier
	policy   PolicySource
	store    OrderStore
	logger   *zap.Logger
	newID    IDGenerator

	chain             string
	currency          string
	origin            string
	facilitatorVerify bool
	timeout           time.Duration

	onPaymentRequiredHooks []OnPaymentRequiredHook
	onOrderCompletedHooks  []OnOrderCompletedHook
	onCheckoutFailureHooks []OnCheckoutFailureHook
}

// CheckoutOption configures a Checkout
type CheckoutOption func(*Checkout)

// WithOrderStore sets the idempotency store. Default: process-lifetime OrderCache.
func WithOrderStore(store OrderStore) CheckoutOption {
	return func(c *Checkout) {
		c.store = store
	}
}

// WithChain sets the settlement chain quoted in sessions
func WithChain(chain string) CheckoutOption {
	return func(c *Checkout) {
		c.chain = chain
	}
}

// WithCurrency sets the settlement currency quoted in sessions
func WithCurrency(currency string) CheckoutOption {
	return func(c *Checkout) {
		c.currency = currency
	}
}

// WithPublicOrigin sets the origin used for policy and verify URLs
func WithPublicOrigin(origin string) CheckoutOption {
	return func(c *Checkout) {
		c.origin = strings.TrimRight(origin, "/")
	}
}

// WithFacilitatorVerify sets the facilitator_verify flag of the 402 body
func WithFacilitatorVerify(enabled bool) CheckoutOption {
	return func(c *Checkout) {
		c.facilitatorVerify = enabled
	}
}

// WithExternalTimeout bounds each verifier and policy call
func WithExternalTimeout(d time.Duration) CheckoutOption {
	return func(c *Checkout) {
		c.timeout = d
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) CheckoutOption {
	return func(c *Checkout) {
		c.logger = logger
	}
}

// WithIDGenerator overrides session id generation
func WithIDGenerator(gen IDGenerator) CheckoutOption {
	return func(c *Checkout) {
		c.newID = gen
	}
}

// NewCheckout creates a checkout state machine
func NewCheckout(codec *token.Codec, catalog Catalog, verifier PaymentVerifier, policy PolicySource, opts ...CheckoutOption) *Checkout {
	c := &Checkout{
		codec:    codec,
		catalog:  catalog,
		verifier: verifier,
		policy:   policy,
		store:    NewOrderCache(0),
		logger:   zap.NewNop(),
		newID:    NewID,
		chain:    DefaultChain,
		currency: DefaultCurrency,
		origin:   DefaultPublicOrigin,
		timeout:  DefaultExternalTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// quote is the server-side view of the basket being checked out
type quote struct {
	lines       []types.LineItem
	total       types.Amount
	fingerprint string
	subject     string
}

// Process advances one request through the state machine. Validation,
// integrity, conflict and payment failures come back as *CheckoutError.
func (c *Checkout) Process(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	start := time.Now()
	hookCtx := CheckoutContext{Ctx: ctx, Request: req, Timestamp: start}

	result, err := c.process(ctx, req, hookCtx)
	if err != nil {
		cerr := AsCheckoutError(err)
		c.logFailure(req, cerr)
		for _, hook := range c.onCheckoutFailureHooks {
			if hookErr := hook(CheckoutFailureContext{CheckoutContext: hookCtx, Error: cerr, Duration: time.Since(start)}); hookErr != nil {
				c.logger.Warn("checkout failure hook failed", zap.Error(hookErr))
			}
		}
		return nil, cerr
	}

	if result.State == StateCompleted {
		for _, hook := range c.onOrderCompletedHooks {
			if hookErr := hook(OrderCompletedContext{CheckoutContext: hookCtx, Result: result, Duration: time.Since(start)}); hookErr != nil {
				c.logger.Warn("order completed hook failed", zap.Error(hookErr))
			}
		}
	}
	return result, nil
}

func (c *Checkout) process(ctx context.Context, req CheckoutRequest, hookCtx CheckoutContext) (*CheckoutResult, error) {
	q, err := c.quote(req)
	if err != nil {
		return nil, err
	}

	if req.ProofID == "" {
		return c.paymentRequired(q, hookCtx)
	}

	session, err := c.checkSession(req, q)
	if err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" && c.store != nil {
		storeKey := string(req.Variant) + ":" + req.IdempotencyKey
		binding := session.SessionID + ":" + q.fingerprint

		cached, lease, err := c.acquire(ctx, storeKey)
		if err != nil {
			return nil, fmt.Errorf("idempotency store: %w", err)
		}
		if cached != nil {
			return c.replay(cached, binding, req.IdempotencyKey)
		}

		completed := false
		defer func() {
			if completed {
				return
			}
			if err := c.store.Fail(context.WithoutCancel(ctx), storeKey, lease); err != nil {
				c.logger.Error("failed to release idempotency key",
					zap.String("idempotency_key", req.IdempotencyKey), zap.Error(err))
			}
		}()

		result, err := c.complete(ctx, req, q, session)
		if err != nil {
			return nil, err
		}
		entry := &CompletedOrder{OrderID: result.OrderID, Body: result.Body, Receipt: result.Receipt, Binding: binding}
		if err := c.store.Complete(ctx, storeKey, lease, entry); err != nil {
			c.logger.Error("failed to record completed order",
				zap.String("order_id", result.OrderID),
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.Error(err))
			return result, nil
		}
		completed = true
		return result, nil
	}

	return c.complete(ctx, req, q, session)
}

// quote resolves the basket for either variant (QUOTING)
func (c *Checkout) quote(req CheckoutRequest) (*quote, error) {
	var (
		items   []types.Item
		subject string
	)
	switch req.Variant {
	case VariantCart:
		if req.CartID == "" {
			return nil, validationError(ErrCodeMissingCartID, "cart_id required")
		}
		if req.CartToken == "" {
			return nil, validationError(ErrCodeMissingCartToken, "Cart token required for checkout")
		}
		cart, err := c.codec.VerifyCart(req.CartToken)
		if err != nil {
			return nil, validationError(ErrCodeInvalidCartToken, "Cart token verification failed").WithCause(err)
		}
		if cart.CartID != req.CartID {
			return nil, validationError(ErrCodeCartIDMismatch, "Cart ID does not match token")
		}
		if len(cart.Items) == 0 {
			return nil, validationError(ErrCodeEmptyCart, "Cart is empty")
		}
		items = cart.Items
		subject = subjectCart + cart.CartID
	case VariantDirect:
		if len(req.Items) == 0 {
			return nil, validationError(ErrCodeMissingItems, "items array required")
		}
		items = req.Items
		subject = subjectDirect
	default:
		return nil, fmt.Errorf("unknown checkout variant %q", req.Variant)
	}

	normalized, err := NormalizeItems(items)
	if err != nil {
		return nil, err
	}

	lines := make([]types.LineItem, 0, len(normalized))
	for _, it := range normalized {
		product, ok := c.catalog.Product(it.SKU)
		if !ok {
			return nil, validationError(ErrCodeInvalidSKU, fmt.Sprintf("Product %s not found", it.SKU))
		}
		lines = append(lines, types.LineItem{
			SKU:          it.SKU,
			Title:        product.Title,
			Qty:          it.Qty,
			UnitPriceUSD: product.PriceUSD,
		})
	}

	fingerprint, err := ItemsFingerprint(normalized)
	if err != nil {
		return nil, err
	}

	return &quote{
		lines:       lines,
		total:       types.Subtotal(lines),
		fingerprint: fingerprint,
		subject:     subject,
	}, nil
}

// paymentRequired issues a fresh session (PAYMENT_REQUIRED)
func (c *Checkout) paymentRequired(q *quote, hookCtx CheckoutContext) (*CheckoutResult, error) {
	sessionID, err := c.newID("sess_")
	if err != nil {
		return nil, err
	}

	raw, _, err := c.codec.IssueSession(token.SessionClaims{
		SessionID:   sessionID,
		Subject:     q.subject,
		Amount:      q.total,
		Currency:    c.currency,
		Chain:       c.chain,
		Rail:        token.RailX402,
		ItemsSHA256: q.fingerprint,
	})
	if err != nil {
		return nil, err
	}

	c.logger.Debug("payment required",
		zap.String("session_id", sessionID),
		zap.String("amount", q.total.String()))

	for _, hook := range c.onPaymentRequiredHooks {
		if hookErr := hook(PaymentRequiredContext{CheckoutContext: hookCtx, SessionID: sessionID, Amount: q.total}); hookErr != nil {
			c.logger.Warn("payment required hook failed", zap.Error(hookErr))
		}
	}

	return &CheckoutResult{
		State:  StatePaymentRequired,
		Status: KindPaymentRequired.HTTPStatus(),
		PaymentRequired: &PaymentRequired{
			Error:        ErrCodePaymentRequired,
			Message:      "Pay via x402 and retry with proof",
			X402:         c.challenge(sessionID, q.total),
			SessionToken: raw,
			PEAC: PolicyPointer{
				Policy:   c.origin + "/.well-known/peac.txt",
				Receipts: "required",
			},
		},
	}, nil
}

// checkSession binds the submitted session to the recomputed quote (PROOF_SUBMITTED)
func (c *Checkout) checkSession(req CheckoutRequest, q *quote) (*token.SessionClaims, error) {
	if req.SessionToken == "" {
		return nil, validationError(ErrCodeMissingSession, "X-402-Session header required")
	}
	session, err := c.codec.VerifySession(req.SessionToken)
	if err != nil {
		return nil, validationError(ErrCodeInvalidSession, "Session token verification failed").WithCause(err)
	}
	if session.ItemsSHA256 != q.fingerprint {
		return nil, integrityError(ErrCodeItemsMismatch, "Items do not match session")
	}
	if !session.Amount.Equal(q.total) || session.Currency != c.currency ||
		session.Chain != c.chain || session.Rail != token.RailX402 {
		return nil, integrityError(ErrCodeAmountMismatch, "Session amount does not match the current quote")
	}
	if session.Subject != q.subject {
		return nil, integrityError(ErrCodeSessionSubjectMismatch, "Session was not issued for this checkout")
	}
	return session, nil
}

// acquire returns a cached order, or nil and the lease once the caller owns the key
func (c *Checkout) acquire(ctx context.Context, key string) (*CompletedOrder, Lease, error) {
	for {
		status, cached, lease, err := c.store.CheckAndMark(ctx, key)
		if err != nil {
			return nil, "", err
		}
		switch status {
		case StatusCached:
			return cached, "", nil
		case StatusNotFound:
			return nil, lease, nil
		case StatusInFlight:
			result, err := c.store.WaitForResult(ctx, key)
			if err != nil {
				return nil, "", err
			}
			if result != nil {
				return result, "", nil
			}
			// owner failed, try to take the key
		default:
			return nil, "", fmt.Errorf("unexpected order status %d", status)
		}
	}
}

func (c *Checkout) replay(cached *CompletedOrder, binding, idempotencyKey string) (*CheckoutResult, error) {
	if cached.Binding != binding {
		return nil, NewCheckoutError(KindConflict, ErrCodeIdempotencyConflict,
			"Idempotency-Key was already used for a different checkout")
	}

	var order types.Order
	if err := json.Unmarshal(cached.Body, &order); err != nil {
		return nil, fmt.Errorf("failed to decode cached order: %w", err)
	}

	c.logger.Debug("replaying completed order",
		zap.String("order_id", cached.OrderID),
		zap.String("idempotency_key", idempotencyKey))

	return &CheckoutResult{
		State:    StateCompleted,
		Status:   http.StatusOK,
		Order:    &order,
		OrderID:  cached.OrderID,
		Body:     cached.Body,
		Receipt:  cached.Receipt,
		Replayed: true,
	}, nil
}

// complete verifies payment and issues the order and receipt (COMPLETED)
func (c *Checkout) complete(ctx context.Context, req CheckoutRequest, q *quote, session *token.SessionClaims) (*CheckoutResult, error) {
	verification, err := c.verifyPayment(ctx, req.ProofID, session.SessionID)
	if err != nil {
		return nil, err
	}
	if !verification.Valid {
		return nil, NewCheckoutError(KindPaymentInvalid, ErrCodePaymentInvalid, "Payment verification failed").
			WithDetail("x402", c.challenge(session.SessionID, q.total))
	}
	payer := verification.Payer
	if payer == "" {
		payer = "unknown"
	}

	orderID := DeriveOrderID(session.SessionID, q.fingerprint)
	totals := types.Totals{
		Subtotal:   q.total,
		Tax:        types.Zero,
		Fees:       types.Zero,
		GrandTotal: q.total,
	}
	order := &types.Order{
		OrderID:   orderID,
		Items:     q.lines,
		Totals:    totals,
		CreatedAt: c.codec.Now().Format(time.RFC3339Nano),
	}

	body, err := json.Marshal(order)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal order: %w", err)
	}

	snapshot, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	method, path := req.Method, req.Path
	if method == "" {
		method = "POST"
	}
	if path == "" {
		path = PathCheckoutDirect
		if req.Variant == VariantCart {
			path = PathCheckout
		}
	}

	receipt, err := c.codec.IssueReceipt(token.ReceiptClaims{
		Subject:  "order",
		Request:  token.ReceiptRequest{Method: method, Path: path, Query: req.Query},
		Response: token.ReceiptResponse{Status: http.StatusOK, BodySHA256: sha256Hex(body)},
		Payment: token.ReceiptPayment{
			Rail:      token.RailX402,
			Amount:    q.total,
			Currency:  c.currency,
			Chain:     c.chain,
			ProofID:   req.ProofID,
			SessionID: session.SessionID,
			Payer:     payer,
		},
		Order: token.ReceiptOrder{OrderID: orderID, Items: q.lines, Totals: totals},
		Policy: token.ReceiptPolicy{
			AIPrefURL:      snapshot.URL,
			AIPrefSnapshot: snapshot.Document,
		},
		VerifyURL: c.origin + "/api/verify",
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("order completed",
		zap.String("order_id", orderID),
		zap.String("session_id", session.SessionID),
		zap.String("amount", q.total.String()))

	return &CheckoutResult{
		State:   StateCompleted,
		Status:  http.StatusOK,
		Order:   order,
		OrderID: orderID,
		Body:    body,
		Receipt: receipt,
	}, nil
}

// verifyPayment fails closed: verifier errors and timeouts count as invalid
func (c *Checkout) verifyPayment(ctx context.Context, proofID, sessionID string) (Verification, error) {
	vctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	verification, err := c.verifier.Verify(vctx, proofID, sessionID)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return Verification{}, ctx.Err()
		}
		c.logger.Warn("payment verification error",
			zap.String("session_id", sessionID), zap.Error(err))
		return Verification{}, nil
	}
	return verification, nil
}

func (c *Checkout) snapshot(ctx context.Context) (PolicySnapshot, error) {
	pctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	snapshot, err := c.policy.Snapshot(pctx)
	if err != nil {
		return PolicySnapshot{}, fmt.Errorf("policy snapshot: %w", err)
	}
	if snapshot.URL == "" {
		snapshot.URL = c.origin + "/aipref.json"
	}
	return snapshot, nil
}

func (c *Checkout) challenge(sessionID string, amount types.Amount) X402Challenge {
	return X402Challenge{
		SessionID:         sessionID,
		AmountUSD:         amount,
		Currency:          c.currency,
		Chain:             c.chain,
		FacilitatorVerify: c.facilitatorVerify,
	}
}

func (c *Checkout) logFailure(req CheckoutRequest, err *CheckoutError) {
	fields := []zap.Field{
		zap.String("variant", string(req.Variant)),
		zap.String("code", err.Code),
	}
	if req.IdempotencyKey != "" {
		fields = append(fields, zap.String("idempotency_key", req.IdempotencyKey))
	}
	if cause := err.Unwrap(); cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	if err.Kind == KindInternal {
		c.logger.Error("checkout failed", fields...)
		return
	}
	c.logger.Debug("checkout rejected", fields...)
}
