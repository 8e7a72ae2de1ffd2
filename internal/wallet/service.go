package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rfqhub/walletd/internal/gateway"
	"github.com/rfqhub/walletd/internal/idgen"
	"github.com/rfqhub/walletd/internal/metrics"
	"github.com/rfqhub/walletd/internal/notify"
	"github.com/rfqhub/walletd/internal/traces"
)

// DefaultRecentLimit is how many transactions a wallet read includes.
const DefaultRecentLimit = 20

// Notifier receives events after a ledger change has committed.
type Notifier interface {
	Notify(ctx context.Context, ev notify.Event)
}

// Service implements the wallet ledger operations.
type Service struct {
	store          Store
	validator      Validator
	gateways       Registrar
	notifier       Notifier
	holds          HoldLister
	defaultCountry string
	recentLimit    int
	logger         *slog.Logger
	now            func() time.Time
}

// NewService creates a new wallet service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{
		store:          store,
		defaultCountry: "US",
		recentLimit:    DefaultRecentLimit,
		logger:         logger,
		now:            time.Now,
	}
}

// WithValidator sets the security validator run before debits.
func (s *Service) WithValidator(v Validator) *Service {
	s.validator = v
	return s
}

// WithGateways sets the gateway registrar used at wallet creation.
func (s *Service) WithGateways(r Registrar) *Service {
	s.gateways = r
	return s
}

// WithNotifier sets the event sink.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithHolds sets the source of active escrow holds for wallet reads.
func (s *Service) WithHolds(h HoldLister) *Service {
	s.holds = h
	return s
}

// WithDefaultCountry sets the country used for wallets opened implicitly.
func (s *Service) WithDefaultCountry(country string) *Service {
	if country != "" {
		s.defaultCountry = strings.ToUpper(country)
	}
	return s
}

// WithRecentLimit sets the size of the recent-transactions window.
func (s *Service) WithRecentLimit(n int) *Service {
	if n > 0 {
		s.recentLimit = n
	}
	return s
}

// CreateWallet opens a zero-balance wallet for a user, then registers the
// user with the wallet's gateway. Registration failures are logged only.
func (s *Service) CreateWallet(ctx context.Context, req CreateWalletRequest) (*Wallet, error) {
	ctx, span := traces.StartSpan(ctx, "wallet.CreateWallet", traces.UserID(req.UserID))
	defer span.End()

	country := strings.ToUpper(strings.TrimSpace(req.CountryCode))
	if strings.TrimSpace(req.UserID) == "" {
		return nil, fmt.Errorf("%w: userId is required", ErrInvalidRequest)
	}
	if len(country) != 2 {
		return nil, fmt.Errorf("%w: countryCode must be ISO 3166-1 alpha-2", ErrInvalidRequest)
	}

	w := s.newWallet(req.UserID, country)
	err := s.store.WithTx(ctx, func(tx Tx) error {
		return tx.InsertWallet(ctx, w)
	})
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	metrics.WalletsCreatedTotal.WithLabelValues(string(w.Gateway)).Inc()
	s.logger.Info("wallet created",
		"walletId", w.ID,
		"userId", w.UserID,
		"gateway", w.Gateway,
		"currency", w.Currency,
	)

	s.registerWithGateway(ctx, w, req.Email, req.Phone)
	s.notify(ctx, notify.EventWalletCreated, w, nil)
	return w, nil
}

func (s *Service) registerWithGateway(ctx context.Context, w *Wallet, email, phone string) {
	if s.gateways == nil || (email == "" && phone == "") {
		return
	}

	customerID, err := s.gateways.Register(ctx, w.Gateway, gateway.Customer{
		UserID: w.UserID,
		Email:  email,
		Phone:  phone,
	})
	if err != nil {
		if errors.Is(err, gateway.ErrNotConfigured) {
			s.logger.Debug("gateway not configured, skipping registration", "walletId", w.ID, "gateway", w.Gateway)
			return
		}
		s.logger.Warn("gateway registration failed",
			"walletId", w.ID,
			"gateway", w.Gateway,
			"error", err,
		)
		return
	}

	updated, err := s.store.UpdateSettings(ctx, w.UserID, SettingsUpdate{GatewayCustomerID: &customerID})
	if err != nil {
		s.logger.Warn("failed to store gateway customer id", "walletId", w.ID, "error", err)
		return
	}
	*w = *updated
}

func (s *Service) newWallet(userID, country string) *Wallet {
	now := s.now().UTC()
	return &Wallet{
		ID:              idgen.WithPrefix(idgen.WalletPrefix),
		UserID:          userID,
		Currency:        gateway.CurrencyFor(country),
		Status:          StatusActive,
		Gateway:         gateway.Select(country),
		Country:         country,
		IsEscrowEnabled: true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// implicitWallet is the wallet opened by get-or-create paths. When the
// caller names a currency the wallet is opened in it.
func (s *Service) implicitWallet(userID, currency string) *Wallet {
	country := s.defaultCountry
	currency = strings.ToUpper(currency)
	if currency != "" && currency != gateway.CurrencyFor(country) {
		if c, ok := gateway.CountryFor(currency); ok {
			country = c
		}
	}
	w := s.newWallet(userID, country)
	if currency != "" {
		w.Currency = currency
	}
	return w
}

// GetWallet returns a user's wallet with recent activity.
func (s *Service) GetWallet(ctx context.Context, userID string) (*View, error) {
	w, err := s.store.GetWalletByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, w)
}

// GetWalletByID returns a wallet by id with recent activity.
func (s *Service) GetWalletByID(ctx context.Context, id string) (*View, error) {
	w, err := s.store.GetWallet(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, w)
}

func (s *Service) view(ctx context.Context, w *Wallet) (*View, error) {
	txns, err := s.store.ListTransactions(ctx, w.ID, TxnFilter{
		ExcludeTypes: []TxnType{TypeEscrowHold},
		Limit:        s.recentLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("list recent transactions: %w", err)
	}
	if txns == nil {
		txns = []*Transaction{}
	}

	holds := []HoldSummary{}
	if s.holds != nil {
		active, err := s.holds.ActiveHolds(ctx, w.ID)
		if err != nil {
			return nil, fmt.Errorf("list active holds: %w", err)
		}
		if active != nil {
			holds = active
		}
	}

	return &View{
		Wallet:       w,
		Available:    w.Available(),
		Transactions: txns,
		ActiveHolds:  holds,
	}, nil
}

// CreateTransaction records a ledger row on a wallet and applies its
// balance effect, all under the wallet's row lock. Escrow rows are written
// by the escrow engine only.
func (s *Service) CreateTransaction(ctx context.Context, walletID string, in TransactionInput) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "wallet.CreateTransaction",
		traces.WalletID(walletID), traces.TxnType(string(in.Type)), traces.Amount(in.Amount))
	defer span.End()

	if err := validateGeneric(in); err != nil {
		RecordRejection(err)
		return nil, err
	}

	var (
		w *Wallet
		t *Transaction
	)
	err := s.store.WithTx(ctx, func(tx Tx) error {
		var err error
		w, err = tx.LockWallet(ctx, walletID)
		if err != nil {
			return err
		}
		if err := checkCurrency(w, in.Currency); err != nil {
			return err
		}
		if err := s.Screen(ctx, w, in.Type, in.Amount, in.Metadata); err != nil {
			return err
		}
		t = NewTransaction(w, in, s.now().UTC())
		return ApplyInTx(ctx, tx, w, t)
	})
	if err != nil {
		RecordRejection(err)
		traces.RecordError(span, err)
		return nil, err
	}

	recordTransaction(t)
	s.notify(ctx, eventFor(t), w, t)
	return t, nil
}

// Credit adds completed inbound funds to a user's wallet, opening the wallet
// if the user has none.
func (s *Service) Credit(ctx context.Context, req MovementRequest) (*Transaction, error) {
	if req.Type == "" {
		req.Type = TypeDeposit
	}
	switch req.Type {
	case TypeDeposit, TypeRefund, TypeAdjustment:
	default:
		return nil, fmt.Errorf("%w: %s is not a credit type", ErrInvalidTransaction, req.Type)
	}
	return s.move(ctx, "wallet.Credit", req, false)
}

// Debit removes completed funds from a user's wallet. The available balance
// is checked under the wallet lock so concurrent debits cannot overdraw.
func (s *Service) Debit(ctx context.Context, req MovementRequest) (*Transaction, error) {
	if req.Type == "" {
		req.Type = TypeWithdrawal
	}
	switch req.Type {
	case TypeWithdrawal, TypePayment, TypeFee:
	default:
		return nil, fmt.Errorf("%w: %s is not a debit type", ErrInvalidTransaction, req.Type)
	}
	return s.move(ctx, "wallet.Debit", req, true)
}

func (s *Service) move(ctx context.Context, op string, req MovementRequest, screen bool) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, op,
		traces.UserID(req.UserID), traces.TxnType(string(req.Type)), traces.Amount(req.Amount),
		traces.Reference(req.ReferenceID))
	defer span.End()

	in := TransactionInput{
		Amount:      req.Amount,
		Fee:         req.Fee,
		Currency:    req.Currency,
		Type:        req.Type,
		Status:      TxnCompleted,
		Gateway:     req.Gateway,
		ReferenceID: req.ReferenceID,
		OrderID:     req.OrderID,
		Metadata:    req.Metadata,
	}
	if strings.TrimSpace(req.UserID) == "" {
		return nil, fmt.Errorf("%w: userId is required", ErrInvalidRequest)
	}
	if err := validateInput(in); err != nil {
		RecordRejection(err)
		return nil, err
	}

	var (
		w       *Wallet
		t       *Transaction
		created bool
	)
	err := s.store.WithTx(ctx, func(tx Tx) error {
		var err error
		w, created, err = s.lockOrCreate(ctx, tx, req.UserID, req.Currency)
		if err != nil {
			return err
		}
		if err := checkCurrency(w, in.Currency); err != nil {
			return err
		}
		if screen {
			if err := s.Screen(ctx, w, in.Type, in.Amount, in.Metadata); err != nil {
				return err
			}
		}
		t = NewTransaction(w, in, s.now().UTC())
		return ApplyInTx(ctx, tx, w, t)
	})
	if err != nil {
		RecordRejection(err)
		traces.RecordError(span, err)
		return nil, err
	}

	if created {
		metrics.WalletsCreatedTotal.WithLabelValues(string(w.Gateway)).Inc()
		s.notify(ctx, notify.EventWalletCreated, w, nil)
	}
	recordTransaction(t)
	s.notify(ctx, eventFor(t), w, t)
	s.logger.Debug("ledger movement",
		"walletId", w.ID,
		"transactionId", t.ID,
		"type", t.Type,
		"amount", t.Amount,
		"balance", w.Balance,
	)
	return t, nil
}

func (s *Service) lockOrCreate(ctx context.Context, tx Tx, userID, currency string) (*Wallet, bool, error) {
	id, created, err := tx.EnsureWallet(ctx, s.implicitWallet(userID, currency))
	if err != nil {
		return nil, false, err
	}
	w, err := tx.LockWallet(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return w, created, nil
}

// EnsureWalletInTx returns the id of the user's wallet inside tx, opening
// one in currency if the user has none. The row is not locked.
func (s *Service) EnsureWalletInTx(ctx context.Context, tx Tx, userID, currency string) (string, bool, error) {
	return tx.EnsureWallet(ctx, s.implicitWallet(userID, currency))
}

// CreditInTx credits w, which the caller has locked in tx. Status defaults
// to COMPLETED.
func (s *Service) CreditInTx(ctx context.Context, tx Tx, w *Wallet, in TransactionInput) (*Transaction, error) {
	if in.Status == "" {
		in.Status = TxnCompleted
	}
	if err := validateInput(in); err != nil {
		return nil, err
	}
	if err := checkCurrency(w, in.Currency); err != nil {
		return nil, err
	}
	t := NewTransaction(w, in, s.now().UTC())
	if err := ApplyInTx(ctx, tx, w, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Screen runs the security validator. A negative verdict is returned as
// *RejectedError before anything is written.
func (s *Service) Screen(ctx context.Context, w *Wallet, typ TxnType, amount int64, md Metadata) error {
	if s.validator == nil {
		return nil
	}
	verdict, err := s.validator.Validate(ctx, SecurityCheck{
		UserID:   w.UserID,
		WalletID: w.ID,
		Amount:   amount,
		Type:     typ,
		Currency: w.Currency,
		Metadata: md,
	})
	if err != nil {
		return fmt.Errorf("security validator: %w", err)
	}
	if !verdict.IsValid {
		s.logger.Warn("transaction rejected by security validator",
			"walletId", w.ID,
			"type", typ,
			"amount", amount,
			"reason", verdict.Reason,
			"riskScore", verdict.RiskScore,
		)
		return &RejectedError{Reason: verdict.Reason, RiskScore: verdict.RiskScore}
	}
	return nil
}

// CompleteTransaction settles a PENDING row as COMPLETED or FAILED. Only a
// completion moves money.
func (s *Service) CompleteTransaction(ctx context.Context, id string, status TxnStatus) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "wallet.CompleteTransaction", traces.TransactionID(id))
	defer span.End()

	if status != TxnCompleted && status != TxnFailed {
		return nil, fmt.Errorf("%w: pending rows settle as COMPLETED or FAILED, not %s", ErrInvalidTransition, status)
	}

	var (
		w *Wallet
		t *Transaction
	)
	err := s.store.WithTx(ctx, func(tx Tx) error {
		var err error
		t, err = tx.LockTransaction(ctx, id)
		if err != nil {
			return err
		}
		if t.Status != TxnPending {
			return fmt.Errorf("%w: %s is already %s", ErrInvalidTransition, id, t.Status)
		}
		w, err = tx.LockWallet(ctx, t.WalletID)
		if err != nil {
			return err
		}

		if status == TxnCompleted {
			settled := t.clone()
			settled.Status = TxnCompleted
			dBalance, dEscrow := Effect(settled)
			if err := checkWalletAccepts(w, settled, dBalance, dEscrow); err != nil {
				return err
			}
			if err := applyDelta(ctx, tx, w, dBalance, dEscrow); err != nil {
				return err
			}
		}

		now := s.now().UTC()
		if err := tx.SetTransactionStatus(ctx, id, status, now); err != nil {
			return err
		}
		t.Status = status
		t.ProcessedAt = &now
		return nil
	})
	if err != nil {
		RecordRejection(err)
		traces.RecordError(span, err)
		return nil, err
	}

	recordTransaction(t)
	s.notify(ctx, eventFor(t), w, t)
	return t, nil
}

// ToggleEscrow enables or disables escrow for a user's wallet.
func (s *Service) ToggleEscrow(ctx context.Context, userID string, enabled bool) (*Wallet, error) {
	return s.updateSettings(ctx, userID, SettingsUpdate{IsEscrowEnabled: &enabled})
}

// UpdateEscrowThreshold sets the amount above which payments go to escrow.
func (s *Service) UpdateEscrowThreshold(ctx context.Context, userID string, threshold int64) (*Wallet, error) {
	if threshold < 0 {
		return nil, fmt.Errorf("%w: escrow threshold must not be negative", ErrInvalidAmount)
	}
	return s.updateSettings(ctx, userID, SettingsUpdate{EscrowThreshold: &threshold})
}

// UpdateWalletStatus moves a wallet between active, frozen and closed.
func (s *Service) UpdateWalletStatus(ctx context.Context, userID string, status Status) (*Wallet, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown wallet status %q", ErrInvalidRequest, status)
	}
	w, err := s.updateSettings(ctx, userID, SettingsUpdate{Status: &status})
	if err != nil {
		return nil, err
	}
	s.logger.Info("wallet status changed", "walletId", w.ID, "status", status)
	return w, nil
}

func (s *Service) updateSettings(ctx context.Context, userID string, upd SettingsUpdate) (*Wallet, error) {
	w, err := s.store.UpdateSettings(ctx, userID, upd)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, notify.EventWalletUpdated, w, nil)
	return w, nil
}

// ListTransactions pages through a user's ledger, newest first.
func (s *Service) ListTransactions(ctx context.Context, userID string, filter TxnFilter) ([]*Transaction, error) {
	w, err := s.store.GetWalletByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.store.ListTransactions(ctx, w.ID, filter)
}

// GetTransaction returns one ledger row.
func (s *Service) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	return s.store.GetTransaction(ctx, id)
}

// ListUserIDs pages wallet owners in ascending order.
func (s *Service) ListUserIDs(ctx context.Context, after string, limit int) ([]string, error) {
	return s.store.ListUserIDs(ctx, after, limit)
}

// Reconcile replays a wallet's full ledger under its row lock and compares
// the result with the stored balances.
func (s *Service) Reconcile(ctx context.Context, userID string) (*Reconciliation, error) {
	var rec *Reconciliation
	err := s.store.WithTx(ctx, func(tx Tx) error {
		w, err := tx.LockWalletByUser(ctx, userID)
		if err != nil {
			return err
		}
		txns, err := tx.WalletTransactions(ctx, w.ID)
		if err != nil {
			return err
		}
		balance, escrow := Replay(txns)
		rec = &Reconciliation{
			WalletID:        w.ID,
			StoredBalance:   w.Balance,
			StoredEscrow:    w.EscrowBalance,
			ReplayedBalance: balance,
			ReplayedEscrow:  escrow,
			Transactions:    len(txns),
			Consistent:      balance == w.Balance && escrow == w.EscrowBalance,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !rec.Consistent {
		s.logger.Error("ledger does not reconcile",
			"walletId", rec.WalletID,
			"storedBalance", rec.StoredBalance,
			"replayedBalance", rec.ReplayedBalance,
			"storedEscrow", rec.StoredEscrow,
			"replayedEscrow", rec.ReplayedEscrow,
		)
	}
	return rec, nil
}

func (s *Service) notify(ctx context.Context, typ notify.EventType, w *Wallet, t *Transaction) {
	if s.notifier == nil {
		return
	}
	ev := notify.Event{
		Type:     typ,
		WalletID: w.ID,
		UserID:   w.UserID,
		Currency: w.Currency,
	}
	if t != nil {
		ev.TransactionID = t.ID
		ev.Amount = t.Amount
		ev.Metadata = t.Metadata.Clone()
		if t.EscrowHoldID != nil {
			ev.EscrowHoldID = *t.EscrowHoldID
		}
	}
	s.notifier.Notify(ctx, ev)
}

func eventFor(t *Transaction) notify.EventType {
	switch t.Status {
	case TxnFailed:
		return notify.EventTransactionFailed
	case TxnPending:
		return notify.EventTransactionRecorded
	}
	balance, _ := Effect(t)
	switch {
	case balance > 0:
		return notify.EventWalletCredited
	case balance < 0:
		return notify.EventWalletDebited
	}
	return notify.EventTransactionCompleted
}

func recordTransaction(t *Transaction) {
	metrics.LedgerTransactionsTotal.WithLabelValues(string(t.Type), string(t.Status)).Inc()
}

// RecordRejection counts a failed ledger operation by reason.
func RecordRejection(err error) {
	metrics.LedgerRejectionsTotal.WithLabelValues(RejectionReason(err)).Inc()
}

// RejectionReason is the metric label for a ledger error.
func RejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrDuplicateReference):
		return "duplicate_reference"
	case errors.Is(err, ErrSecurityRejected):
		return "security_rejected"
	case errors.Is(err, ErrWalletInactive):
		return "wallet_inactive"
	case errors.Is(err, ErrCurrencyMismatch):
		return "currency_mismatch"
	case errors.Is(err, ErrWalletNotFound), errors.Is(err, ErrTransactionNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidTransaction),
		errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrInvalidRequest):
		return "invalid"
	case errors.Is(err, ErrLedgerInconsistent):
		return "inconsistent"
	}
	return "other"
}
