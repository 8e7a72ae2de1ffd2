package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/rfqhub/walletd/internal/idgen"
	"github.com/rfqhub/walletd/internal/metrics"
	"github.com/rfqhub/walletd/internal/notify"
	"github.com/rfqhub/walletd/internal/traces"
	"github.com/rfqhub/walletd/internal/wallet"
)

// Service implements the hold state machine on top of the wallet ledger.
type Service struct {
	store    Store
	ledger   Ledger
	notifier wallet.Notifier
	receipts ReceiptIssuer
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a new escrow service.
func NewService(store Store, ledger Ledger, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		ledger: ledger,
		logger: logger,
		now:    time.Now,
	}
}

// WithNotifier sets the event sink.
func (s *Service) WithNotifier(n wallet.Notifier) *Service {
	s.notifier = n
	return s
}

// WithReceipts issues a signed receipt after every release and refund.
func (s *Service) WithReceipts(r ReceiptIssuer) *Service {
	s.receipts = r
	return s
}

// issueReceipt runs after commit. A failure is logged; the settlement stands.
func (s *Service) issueReceipt(ctx context.Context, h *Hold) {
	if s.receipts == nil {
		return
	}
	if err := s.receipts.IssueForHold(context.WithoutCancel(ctx), h); err != nil {
		s.logger.Error("failed to issue escrow receipt",
			"escrowHoldId", h.ID,
			"status", h.Status,
			"error", err,
		)
	}
}

// CreateHold reserves req.Amount of the buyer wallet's available funds.
func (s *Service) CreateHold(ctx context.Context, req CreateRequest) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.CreateHold",
		traces.WalletID(req.WalletID), traces.Amount(req.Amount), traces.Reference(req.ReferenceID))
	defer span.End()

	if err := validateCreate(req); err != nil {
		wallet.RecordRejection(err)
		return nil, err
	}

	var (
		h *Hold
		t *wallet.Transaction
		w *wallet.Wallet
	)
	err := s.store.WithTx(ctx, func(tx Tx) error {
		var err error
		w, err = tx.LockWallet(ctx, req.WalletID)
		if err != nil {
			return err
		}
		if req.Currency != "" && req.Currency != w.Currency {
			return fmt.Errorf("%w: wallet %s holds %s, got %s", wallet.ErrCurrencyMismatch, w.ID, w.Currency, req.Currency)
		}
		buyerID := req.BuyerID
		if buyerID == "" {
			buyerID = w.UserID
		}
		if buyerID != w.UserID {
			return fmt.Errorf("%w: wallet %s does not belong to buyer %s", wallet.ErrInvalidRequest, w.ID, buyerID)
		}
		if buyerID == req.SellerID {
			return fmt.Errorf("%w: %s", ErrSameParty, buyerID)
		}
		if err := s.ledger.Screen(ctx, w, wallet.TypeEscrowHold, req.Amount, req.Metadata); err != nil {
			return err
		}
		if w.Available() < req.Amount {
			return fmt.Errorf("%w: available %d, required %d", wallet.ErrInsufficientBalance, w.Available(), req.Amount)
		}

		now := s.now().UTC()
		h = newHold(req, w, buyerID, now)
		if err := tx.InsertHold(ctx, h); err != nil {
			return err
		}
		t = wallet.NewTransaction(w, wallet.TransactionInput{
			Amount:       h.Amount,
			Type:         wallet.TypeEscrowHold,
			Status:       wallet.TxnHeld,
			Gateway:      h.Gateway,
			ReferenceID:  holdRef(h.ReferenceID),
			OrderID:      h.OrderID,
			EscrowHoldID: &h.ID,
			Metadata:     h.Metadata.With(wallet.MetaCounterparty, h.SellerID),
		}, now)
		return wallet.ApplyInTx(ctx, tx, w, t)
	})
	if err != nil {
		wallet.RecordRejection(err)
		traces.RecordError(span, err)
		return nil, err
	}

	metrics.EscrowHoldsTotal.WithLabelValues(string(StatusHeld)).Inc()
	metrics.LedgerTransactionsTotal.WithLabelValues(string(t.Type), string(t.Status)).Inc()
	s.logger.Info("escrow hold created",
		"escrowHoldId", h.ID,
		"walletId", h.WalletID,
		"sellerId", h.SellerID,
		"amount", h.Amount,
		"currency", h.Currency,
	)
	s.notify(ctx, notify.EventEscrowHeld, w, h, t)
	return &Result{Hold: h, Transactions: []*wallet.Transaction{t}}, nil
}

func validateCreate(req CreateRequest) error {
	if strings.TrimSpace(req.WalletID) == "" {
		return fmt.Errorf("%w: walletId is required", wallet.ErrInvalidRequest)
	}
	if strings.TrimSpace(req.SellerID) == "" {
		return fmt.Errorf("%w: sellerId is required", wallet.ErrInvalidRequest)
	}
	if req.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", wallet.ErrInvalidAmount)
	}
	if req.Gateway != "" && !req.Gateway.Valid() {
		return fmt.Errorf("%w: unknown gateway %q", wallet.ErrInvalidTransaction, req.Gateway)
	}
	return req.Metadata.Validate()
}

func newHold(req CreateRequest, w *wallet.Wallet, buyerID string, now time.Time) *Hold {
	h := &Hold{
		ID:          idgen.WithPrefix(idgen.HoldPrefix),
		WalletID:    w.ID,
		BuyerID:     buyerID,
		SellerID:    req.SellerID,
		Amount:      req.Amount,
		Currency:    w.Currency,
		Status:      StatusHeld,
		Gateway:     req.Gateway,
		ReferenceID: req.ReferenceID,
		OrderID:     req.OrderID,
		ReleaseDate: cloneTime(req.ReleaseDate),
		Metadata:    req.Metadata.Clone(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if h.Gateway == "" {
		h.Gateway = w.Gateway
	}
	if h.ReferenceID == "" {
		h.ReferenceID = h.ID
	}
	if h.ReleaseDate != nil {
		rd := h.ReleaseDate.UTC()
		h.ReleaseDate = &rd
	}
	return h
}

// Release moves a held amount from the buyer to the seller, opening the
// seller's wallet if needed. A hold that is no longer held fails with
// ErrInvalidState and changes nothing.
func (s *Service) Release(ctx context.Context, id string, md wallet.Metadata) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release", traces.HoldID(id))
	defer span.End()

	if err := md.Validate(); err != nil {
		return nil, err
	}
	if md[wallet.MetaReleasedBy] == "" {
		md = md.With(wallet.MetaReleasedBy, ReleasedByAPI)
	}

	var (
		h             *Hold
		buyer, seller *wallet.Wallet
		debit, credit *wallet.Transaction
		sellerCreated bool
	)
	err := s.store.WithTx(ctx, func(tx Tx) error {
		var err error
		h, err = lockHeld(ctx, tx, id)
		if err != nil {
			return err
		}

		var sellerWalletID string
		sellerWalletID, sellerCreated, err = s.ledger.EnsureWalletInTx(ctx, tx, h.SellerID, h.Currency)
		if err != nil {
			return err
		}
		locked, err := lockWallets(ctx, tx, h.WalletID, sellerWalletID)
		if err != nil {
			return err
		}
		buyer, seller = locked[h.WalletID], locked[sellerWalletID]

		now := s.now().UTC()
		h.Status = StatusReleased
		h.ReleasedAt = &now
		h.UpdatedAt = now
		h.Metadata = h.Metadata.With(wallet.MetaReleasedBy, md[wallet.MetaReleasedBy])
		if err := tx.UpdateHold(ctx, h); err != nil {
			return err
		}

		debit = wallet.NewTransaction(buyer, wallet.TransactionInput{
			Amount:       h.Amount,
			Type:         wallet.TypeEscrowRelease,
			Status:       wallet.TxnReleased,
			Gateway:      h.Gateway,
			ReferenceID:  releaseRef(h.ReferenceID),
			OrderID:      h.OrderID,
			EscrowHoldID: &h.ID,
			Metadata:     md.With(wallet.MetaCounterparty, h.SellerID),
		}, now)
		if err := wallet.ApplyInTx(ctx, tx, buyer, debit); err != nil {
			return err
		}

		credit, err = s.ledger.CreditInTx(ctx, tx, seller, wallet.TransactionInput{
			Amount:       h.Amount,
			Currency:     h.Currency,
			Type:         wallet.TypeEscrowRelease,
			Status:       wallet.TxnCompleted,
			Gateway:      h.Gateway,
			ReferenceID:  releaseCreditRef(h.ReferenceID),
			OrderID:      h.OrderID,
			EscrowHoldID: &h.ID,
			Metadata:     md.With(wallet.MetaCounterparty, h.BuyerID),
		})
		return err
	})
	if err != nil {
		wallet.RecordRejection(err)
		traces.RecordError(span, err)
		return nil, err
	}

	s.recordResolution(h, *h.ReleasedAt)
	metrics.LedgerTransactionsTotal.WithLabelValues(string(debit.Type), string(debit.Status)).Inc()
	metrics.LedgerTransactionsTotal.WithLabelValues(string(credit.Type), string(credit.Status)).Inc()
	if sellerCreated {
		metrics.WalletsCreatedTotal.WithLabelValues(string(seller.Gateway)).Inc()
	}
	s.logger.Info("escrow released",
		"escrowHoldId", h.ID,
		"walletId", h.WalletID,
		"sellerWalletId", seller.ID,
		"amount", h.Amount,
		"releasedBy", md[wallet.MetaReleasedBy],
	)
	s.issueReceipt(ctx, h)
	s.notify(ctx, notify.EventEscrowReleased, buyer, h, debit)
	s.notify(ctx, notify.EventEscrowReleased, seller, h, credit)
	return &Result{Hold: h, Transactions: []*wallet.Transaction{debit, credit}}, nil
}

// Refund frees the reservation. The buyer's balance is not touched because
// held funds never left it.
func (s *Service) Refund(ctx context.Context, id, reason string, md wallet.Metadata) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Refund", traces.HoldID(id))
	defer span.End()

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: refund reason is required", wallet.ErrInvalidRequest)
	}
	md = md.With(wallet.MetaReason, reason)
	if err := md.Validate(); err != nil {
		return nil, err
	}

	var (
		h     *Hold
		buyer *wallet.Wallet
		t     *wallet.Transaction
	)
	err := s.store.WithTx(ctx, func(tx Tx) error {
		var err error
		h, err = lockHeld(ctx, tx, id)
		if err != nil {
			return err
		}
		buyer, err = tx.LockWallet(ctx, h.WalletID)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		h.Status = StatusRefunded
		h.RefundedAt = &now
		h.RefundReason = reason
		h.UpdatedAt = now
		if err := tx.UpdateHold(ctx, h); err != nil {
			return err
		}

		t = wallet.NewTransaction(buyer, wallet.TransactionInput{
			Amount:       h.Amount,
			Type:         wallet.TypeEscrowRefund,
			Status:       wallet.TxnRefunded,
			Gateway:      h.Gateway,
			ReferenceID:  refundRef(h.ReferenceID),
			OrderID:      h.OrderID,
			EscrowHoldID: &h.ID,
			Metadata:     md,
		}, now)
		return wallet.ApplyInTx(ctx, tx, buyer, t)
	})
	if err != nil {
		wallet.RecordRejection(err)
		traces.RecordError(span, err)
		return nil, err
	}

	s.recordResolution(h, *h.RefundedAt)
	metrics.LedgerTransactionsTotal.WithLabelValues(string(t.Type), string(t.Status)).Inc()
	s.logger.Info("escrow refunded",
		"escrowHoldId", h.ID,
		"walletId", h.WalletID,
		"amount", h.Amount,
		"reason", reason,
	)
	s.issueReceipt(ctx, h)
	s.notify(ctx, notify.EventEscrowRefunded, buyer, h, t)
	return &Result{Hold: h, Transactions: []*wallet.Transaction{t}}, nil
}

// lockHeld locks a hold and checks that it can still transition.
func lockHeld(ctx context.Context, tx Tx, id string) (*Hold, error) {
	h, err := tx.LockHold(ctx, id)
	if err != nil {
		return nil, err
	}
	if h.Status != StatusHeld {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidState, h.ID, h.Status)
	}
	return h, nil
}

// lockWallets locks the given wallets in id order.
func lockWallets(ctx context.Context, tx Tx, ids ...string) (map[string]*wallet.Wallet, error) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	locked := make(map[string]*wallet.Wallet, len(sorted))
	for _, id := range sorted {
		if _, ok := locked[id]; ok {
			continue
		}
		w, err := tx.LockWallet(ctx, id)
		if err != nil {
			return nil, err
		}
		locked[id] = w
	}
	return locked, nil
}

// Get returns a hold by id.
func (s *Service) Get(ctx context.Context, id string) (*Hold, error) {
	return s.store.Get(ctx, id)
}

// List returns a page of holds and the total number of matches.
func (s *Service) List(ctx context.Context, f ListFilter) ([]*Hold, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown hold status %q", wallet.ErrInvalidRequest, f.Status)
	}
	if f.Gateway != "" && !f.Gateway.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown gateway %q", wallet.ErrInvalidRequest, f.Gateway)
	}
	return s.store.List(ctx, f)
}

// ListDue returns the first held holds whose release date has passed.
func (s *Service) ListDue(ctx context.Context, limit int) ([]*Hold, error) {
	return s.store.ListDue(ctx, s.now().UTC(), DueCursor{}, limit)
}

// ActiveHolds implements wallet.HoldLister.
func (s *Service) ActiveHolds(ctx context.Context, walletID string) ([]wallet.HoldSummary, error) {
	holds, err := s.store.ListActiveByWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	out := make([]wallet.HoldSummary, 0, len(holds))
	for _, h := range holds {
		out = append(out, h.Summary())
	}
	return out, nil
}

func (s *Service) recordResolution(h *Hold, at time.Time) {
	metrics.EscrowHoldsTotal.WithLabelValues(string(h.Status)).Inc()
	metrics.EscrowHoldDuration.WithLabelValues(string(h.Status)).Observe(at.Sub(h.CreatedAt).Seconds())
}

func (s *Service) notify(ctx context.Context, typ notify.EventType, w *wallet.Wallet, h *Hold, t *wallet.Transaction) {
	if s.notifier == nil {
		return
	}
	ev := notify.Event{
		Type:         typ,
		WalletID:     w.ID,
		UserID:       w.UserID,
		EscrowHoldID: h.ID,
		Amount:       h.Amount,
		Currency:     h.Currency,
	}
	if t != nil {
		ev.TransactionID = t.ID
		ev.Metadata = t.Metadata.Clone()
	}
	s.notifier.Notify(ctx, ev)
}

// Compile-time assertion that Service can back wallet reads.
var _ wallet.HoldLister = (*Service)(nil)
