// Package cryptoescrow is the USDC settlement rail.
//
// Funds never pass through this service. It binds each USDC order to a
// record in an on-chain escrow contract (keyed by OrderKey), hands the
// buyer's wallet the calldata to approve and deposit, and tracks one
// intent per on-chain action. An indexer reports intent progress; a
// CONFIRMED report is what moves the order (deposit -> IN_ESCROW,
// refund -> REFUNDED, release -> RELEASED).
package cryptoescrow

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/dog-best/meta-sub000/internal/audit"
	"github.com/dog-best/meta-sub000/internal/circuitbreaker"
	"github.com/dog-best/meta-sub000/internal/domain"
	"github.com/dog-best/meta-sub000/internal/money"
	"github.com/dog-best/meta-sub000/internal/orders"
	"github.com/dog-best/meta-sub000/internal/store"
	"github.com/dog-best/meta-sub000/internal/validation"
)

// MaxFeeBps caps the platform fee on USDC deposits (2%).
const MaxFeeBps = 200

// Config describes the chain and contracts orders settle against.
type Config struct {
	Chain         string
	ChainID       int64
	TokenAddress  string
	EscrowAddress string
	FeeBps        int64
}

// confirmedTarget is the order status a CONFIRMED intent moves to.
var confirmedTarget = map[domain.IntentType]domain.Status{
	domain.IntentDeposit: domain.StatusInEscrow,
	domain.IntentRefund:  domain.StatusRefunded,
	domain.IntentRelease: domain.StatusReleased,
}

// settleMethod is the escrow contract call behind each admin intent.
var settleMethod = map[domain.IntentType]string{
	domain.IntentRefund:  "refund",
	domain.IntentRelease: "release",
}

// Bridge implements the USDC rail.
type Bridge struct {
	machine *orders.Machine
	cfg     Config
	signer  Signer
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

var _ orders.MappingFactory = (*Bridge)(nil)

// NewBridge creates a bridge. signer may be nil, in which case refund and
// release intents are left CREATED for an external operator.
func NewBridge(m *orders.Machine, cfg Config, signer Signer, logger *slog.Logger) *Bridge {
	cfg.FeeBps = money.ClampBps(cfg.FeeBps, 0, MaxFeeBps)
	cfg.Chain = strings.ToLower(strings.TrimSpace(cfg.Chain))
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{machine: m, cfg: cfg, signer: signer, logger: logger}
}

// WithBreaker fails submissions fast while the signer keeps failing.
func (b *Bridge) WithBreaker(cb *circuitbreaker.Breaker) *Bridge {
	b.breaker = cb
	return b
}

// FeeBps returns the effective (clamped) fee.
func (b *Bridge) FeeBps() int64 { return b.cfg.FeeBps }

// CreateMapping binds a new USDC order to its escrow record. It runs in
// the order creation unit.
func (b *Bridge) CreateMapping(ctx context.Context, tx store.Tx, o *domain.Order, l *domain.Listing, buyerWallet string) error {
	if !validation.IsValidEthAddress(buyerWallet) {
		return domain.ErrInvalidInput.With("buyer_wallet must be a 0x-prefixed EVM address")
	}
	if !validation.IsValidEthAddress(l.SellerWallet) {
		return domain.ErrInvalidInput.With("listing %s has no valid seller wallet", l.ID)
	}
	now := b.machine.Now()
	m := &domain.CryptoMapping{
		OrderID:       o.ID,
		OrderKey:      OrderKey(o.ID).Hex(),
		Chain:         b.cfg.Chain,
		BuyerWallet:   strings.ToLower(buyerWallet),
		SellerWallet:  strings.ToLower(l.SellerWallet),
		TokenAddress:  b.cfg.TokenAddress,
		EscrowAddress: b.cfg.EscrowAddress,
		AmountUnits:   o.Amount,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := tx.UpsertMapping(ctx, m); err != nil {
		return err
	}
	return audit.Record(ctx, tx, "crypto.mapping_create", "order", o.ID, map[string]any{
		"order_key": m.OrderKey,
		"chain":     m.Chain,
	})
}

// Call is one transaction for the buyer's wallet to send.
type Call struct {
	To     string `json:"to"`
	Method string `json:"method"`
	Data   string `json:"data"`
}

// DepositParams is everything a wallet needs to fund the escrow.
type DepositParams struct {
	OrderID       string               `json:"order_id"`
	Chain         string               `json:"chain"`
	ChainID       int64                `json:"chain_id"`
	OrderKey      string               `json:"order_key"`
	TokenAddress  string               `json:"token_address"`
	EscrowAddress string               `json:"escrow_address"`
	BuyerWallet   string               `json:"buyer_wallet"`
	SellerWallet  string               `json:"seller_wallet"`
	AmountUnits   string               `json:"amount_units"`
	AmountRaw     string               `json:"amount_raw"`
	FeeRaw        string               `json:"fee_raw"`
	BuyerTotalRaw string               `json:"buyer_total_raw"`
	FeeBps        int64                `json:"fee_bps"`
	Approve       Call                 `json:"approve"`
	Deposit       Call                 `json:"deposit"`
	Intent        *domain.CryptoIntent `json:"intent"`
}

// DepositIntent prices the deposit and records a fresh DEPOSIT intent,
// replacing any earlier attempt.
func (b *Bridge) DepositIntent(ctx context.Context, callerID, orderID, chain string) (*DepositParams, error) {
	chain = strings.ToLower(strings.TrimSpace(chain))

	var (
		mapping *domain.CryptoMapping
		intent  *domain.CryptoIntent
		raw     *big.Int
		total   *big.Int
	)
	err := b.machine.Run(ctx, "crypto_deposit_intent", func(u *orders.Unit) error {
		o, err := b.machine.Load(ctx, u, orderID)
		if err != nil {
			return err
		}
		if o.BuyerID != callerID {
			return domain.ErrNotBuyer
		}
		if o.Currency != domain.CurrencyUSDC {
			return domain.ErrWrongCurrency.With("order %s settles in %s", o.ID, o.Currency)
		}
		if o.Status != domain.StatusCreated {
			return domain.ErrWrongStatus.With("order %s is %s; deposit requires CREATED", o.ID, o.Status)
		}
		m, err := u.Mapping(ctx, o.ID)
		if err != nil {
			return err
		}
		if chain != m.Chain {
			return domain.ErrChainMismatch.With("order %s is escrowed on %q, not %q", o.ID, m.Chain, chain)
		}

		var ok bool
		raw, ok = money.ParseRound(m.AmountUnits, money.USDCDecimals)
		if !ok {
			return domain.ErrInternal.With("malformed amount_units on order %s", o.ID)
		}
		fee := money.Fee(raw, b.cfg.FeeBps)
		total = new(big.Int).Add(raw, fee)

		now := b.machine.Now()
		m.AmountRaw = raw.String()
		m.UpdatedAt = now
		if err := u.UpsertMapping(ctx, m); err != nil {
			return err
		}
		intent = &domain.CryptoIntent{
			OrderID:       o.ID,
			Type:          domain.IntentDeposit,
			Status:        domain.IntentCreated,
			AmountRaw:     raw.String(),
			FeeRaw:        fee.String(),
			BuyerTotalRaw: total.String(),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := u.UpsertIntent(ctx, intent); err != nil {
			return err
		}
		mapping = m
		return audit.Record(ctx, u, "crypto.deposit_intent", "order", o.ID, map[string]any{
			"amount_raw":      intent.AmountRaw,
			"fee_raw":         intent.FeeRaw,
			"buyer_total_raw": intent.BuyerTotalRaw,
			"fee_bps":         b.cfg.FeeBps,
		})
	})
	if err != nil {
		return nil, err
	}
	IntentsTotal.WithLabelValues(string(domain.IntentDeposit), string(domain.IntentCreated)).Inc()

	key := common.HexToHash(mapping.OrderKey)
	escrow := common.HexToAddress(mapping.EscrowAddress)
	approve, err := approveCalldata(escrow, total)
	if err != nil {
		return nil, err
	}
	deposit, err := depositCalldata(key, common.HexToAddress(mapping.SellerWallet), raw)
	if err != nil {
		return nil, err
	}

	return &DepositParams{
		OrderID:       mapping.OrderID,
		Chain:         mapping.Chain,
		ChainID:       b.cfg.ChainID,
		OrderKey:      mapping.OrderKey,
		TokenAddress:  mapping.TokenAddress,
		EscrowAddress: mapping.EscrowAddress,
		BuyerWallet:   mapping.BuyerWallet,
		SellerWallet:  mapping.SellerWallet,
		AmountUnits:   mapping.AmountUnits,
		AmountRaw:     intent.AmountRaw,
		FeeRaw:        intent.FeeRaw,
		BuyerTotalRaw: intent.BuyerTotalRaw,
		FeeBps:        b.cfg.FeeBps,
		Approve:       Call{To: mapping.TokenAddress, Method: ApproveSignature, Data: hexutil.Encode(approve)},
		Deposit:       Call{To: mapping.EscrowAddress, Method: DepositSignature, Data: hexutil.Encode(deposit)},
		Intent:        intent,
	}, nil
}

// Report is an indexer's observation of an intent.
type Report struct {
	Type          domain.IntentType
	Status        domain.IntentStatus
	TxHash        string
	FailureReason string
}

// ReportResult is returned by ReportIntent.
type ReportResult struct {
	Intent *domain.CryptoIntent `json:"intent"`
	Order  *domain.Order        `json:"order"`
}

// ReportIntent advances an intent. A CONFIRMED report also performs the
// order transition for that intent in the same unit; if the order can no
// longer take that transition the whole report is rejected and the
// intent stays where it was.
func (b *Bridge) ReportIntent(ctx context.Context, orderID string, r Report) (*ReportResult, error) {
	if !r.Type.Valid() {
		return nil, domain.ErrInvalidInput.With("unknown intent type %q", r.Type)
	}
	if !r.Status.Valid() {
		return nil, domain.ErrInvalidInput.With("unknown intent status %q", r.Status)
	}
	if r.TxHash != "" && (!strings.HasPrefix(r.TxHash, "0x") || len(r.TxHash) != 66) {
		return nil, domain.ErrInvalidInput.With("tx_hash must be a 0x-prefixed 32-byte hash")
	}
	r.FailureReason = validation.SanitizeString(r.FailureReason, validation.MaxNoteLength)

	var res *ReportResult
	err := b.machine.Run(ctx, "crypto_report", func(u *orders.Unit) error {
		o, err := b.machine.Load(ctx, u, orderID)
		if err != nil {
			return err
		}
		if o.Currency != domain.CurrencyUSDC {
			return domain.ErrWrongCurrency.With("order %s settles in %s", o.ID, o.Currency)
		}
		in, err := u.Intent(ctx, o.ID, r.Type)
		if err != nil {
			return err
		}
		if !in.Status.CanMoveTo(r.Status) {
			return domain.ErrInvalidTransition.With("%s intent cannot move %s -> %s", r.Type, in.Status, r.Status)
		}

		from := in.Status
		in.Status = r.Status
		if r.TxHash != "" {
			in.TxHash = strings.ToLower(r.TxHash)
		}
		if r.Status == domain.IntentFailed {
			in.FailureReason = r.FailureReason
		}
		in.UpdatedAt = b.machine.Now()
		if err := u.UpsertIntent(ctx, in); err != nil {
			return err
		}

		if r.Status == domain.IntentConfirmed {
			if err := b.machine.Apply(ctx, u, o, orders.Step{
				Expected: o.Version,
				To:       confirmedTarget[r.Type],
				Party:    domain.PartySystem,
				Note:     "chain confirmed " + in.TxHash,
			}); err != nil {
				return err
			}
		}
		res = &ReportResult{Intent: in, Order: o}
		return audit.Record(ctx, u, "crypto.intent_report", "order", o.ID, map[string]any{
			"intent_type":    r.Type,
			"from":           from,
			"to":             r.Status,
			"tx_hash":        in.TxHash,
			"failure_reason": in.FailureReason,
		})
	})
	if err != nil {
		return nil, err
	}
	IntentsTotal.WithLabelValues(string(r.Type), string(r.Status)).Inc()
	return res, nil
}

// settleable lists the order statuses each admin intent may start from.
var settleable = map[domain.IntentType]map[domain.Status]bool{
	domain.IntentRefund: {
		domain.StatusInEscrow:  true,
		domain.StatusDelivered: true,
		domain.StatusDisputed:  true,
	},
	domain.IntentRelease: {
		domain.StatusDelivered: true,
	},
}

// RequestRefund asks the escrow contract to return the deposit to the
// buyer. With a signer configured the call is submitted immediately;
// otherwise the intent waits, CREATED, for an external operator.
func (b *Bridge) RequestRefund(ctx context.Context, orderID, reason string) (*domain.CryptoIntent, error) {
	return b.request(ctx, orderID, domain.IntentRefund, reason)
}

// RequestRelease asks the escrow contract to pay the seller for a
// delivered order.
func (b *Bridge) RequestRelease(ctx context.Context, orderID, note string) (*domain.CryptoIntent, error) {
	return b.request(ctx, orderID, domain.IntentRelease, note)
}

func (b *Bridge) request(ctx context.Context, orderID string, typ domain.IntentType, reason string) (*domain.CryptoIntent, error) {
	reason = validation.SanitizeString(reason, validation.MaxNoteLength)
	op := "crypto_" + strings.ToLower(string(typ)) + "_request"

	var (
		intent *domain.CryptoIntent
		key    common.Hash
	)
	err := b.machine.Run(ctx, op, func(u *orders.Unit) error {
		o, err := b.machine.Load(ctx, u, orderID)
		if err != nil {
			return err
		}
		if o.Currency != domain.CurrencyUSDC {
			return domain.ErrWrongCurrency.With("order %s settles in %s", o.ID, o.Currency)
		}
		if !settleable[typ][o.Status] {
			return domain.ErrWrongStatus.With("order %s is %s; cannot request %s", o.ID, o.Status, typ)
		}
		m, err := u.Mapping(ctx, o.ID)
		if err != nil {
			return err
		}
		for _, t := range []domain.IntentType{domain.IntentRefund, domain.IntentRelease} {
			prev, err := u.Intent(ctx, o.ID, t)
			if errors.Is(err, domain.ErrIntentNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if !prev.Status.Final() && prev.Status != domain.IntentCreated {
				return domain.ErrInvalidTransition.With("a %s intent for order %s is already %s", t, o.ID, prev.Status)
			}
		}

		status := domain.IntentCreated
		if b.signer != nil {
			status = domain.IntentProcessing
		}
		now := b.machine.Now()
		intent = &domain.CryptoIntent{
			OrderID:   o.ID,
			Type:      typ,
			Status:    status,
			AmountRaw: m.AmountRaw,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := u.UpsertIntent(ctx, intent); err != nil {
			return err
		}
		key = common.HexToHash(m.OrderKey)
		return audit.Record(ctx, u, "crypto."+strings.ToLower(string(typ))+"_request", "order", o.ID, map[string]any{
			"order_key": m.OrderKey,
			"reason":    reason,
			"status":    status,
		})
	})
	if err != nil {
		return nil, err
	}
	IntentsTotal.WithLabelValues(string(typ), string(intent.Status)).Inc()

	if b.signer == nil {
		return intent, nil
	}
	return b.submit(ctx, orderID, typ, key)
}

// submit sends the escrow call outside any unit, then records the outcome.
func (b *Bridge) submit(ctx context.Context, orderID string, typ domain.IntentType, key common.Hash) (*domain.CryptoIntent, error) {
	method := settleMethod[typ]
	var txHash string
	send := func() (err error) {
		txHash, err = b.signer.Submit(ctx, method, key)
		return err
	}
	var sendErr error
	if b.breaker != nil {
		sendErr = b.breaker.Do("escrow:"+method, send)
	} else {
		sendErr = send()
	}
	if sendErr != nil {
		SignerFailures.WithLabelValues(string(typ)).Inc()
		b.logger.Error("escrow submission failed",
			"order_id", orderID,
			"intent_type", typ,
			"error", sendErr,
		)
	}

	var out *domain.CryptoIntent
	err := b.machine.Run(ctx, "crypto_submit", func(u *orders.Unit) error {
		in, err := u.Intent(ctx, orderID, typ)
		if err != nil {
			return err
		}
		if in.Status != domain.IntentProcessing {
			// An indexer report overtook us; keep what it recorded.
			out = in
			return nil
		}
		action := "crypto.intent_submitted"
		if sendErr != nil {
			in.Status = domain.IntentFailed
			in.FailureReason = sendErr.Error()
			action = "crypto.intent_failed"
		} else {
			in.Status = domain.IntentSubmitted
			in.TxHash = strings.ToLower(txHash)
		}
		in.UpdatedAt = b.machine.Now()
		if err := u.UpsertIntent(ctx, in); err != nil {
			return err
		}
		out = in
		return audit.Record(ctx, u, action, "order", orderID, map[string]any{
			"intent_type":    typ,
			"tx_hash":        in.TxHash,
			"failure_reason": in.FailureReason,
		})
	})
	if err != nil {
		return nil, err
	}
	IntentsTotal.WithLabelValues(string(typ), string(out.Status)).Inc()
	if sendErr != nil {
		return out, domain.ErrSignerFailed.With("%s submission failed: %v", typ, sendErr)
	}
	return out, nil
}

// View is the crypto side of an order.
type View struct {
	Mapping *domain.CryptoMapping  `json:"mapping"`
	Intents []*domain.CryptoIntent `json:"intents"`
}

// Get returns the mapping and intents to either party or an admin.
func (b *Bridge) Get(ctx context.Context, callerID, orderID string, admin bool) (*View, error) {
	st := b.machine.Store()
	o, err := st.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if _, ok := o.PartyOf(callerID); !ok && !admin {
		return nil, domain.ErrNotParty
	}
	m, err := st.GetMapping(ctx, orderID)
	if err != nil {
		return nil, err
	}
	intents, err := st.ListIntents(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if intents == nil {
		intents = []*domain.CryptoIntent{}
	}
	return &View{Mapping: m, Intents: intents}, nil
}
