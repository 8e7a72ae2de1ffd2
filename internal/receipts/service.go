package receipts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rfqhub/walletd/internal/escrow"
	"github.com/rfqhub/walletd/internal/idgen"
	"github.com/rfqhub/walletd/internal/metrics"
)

// DefaultListLimit and MaxListLimit bound ListByUser.
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// Service issues and verifies receipts.
type Service struct {
	store    Store
	signer   *Signer
	logger   *slog.Logger
	validity time.Duration
	now      func() time.Time
}

// NewService creates a receipt service. With a nil signer, issuing is a
// no-op and verification reports ErrSigningDisabled.
func NewService(store Store, signer *Signer, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		signer:   signer,
		logger:   logger,
		validity: DefaultValidity,
		now:      time.Now,
	}
}

// WithValidity sets how long new receipt signatures are honoured.
func (s *Service) WithValidity(d time.Duration) *Service {
	if d > 0 {
		s.validity = d
	}
	return s
}

// Enabled reports whether receipts are being issued.
func (s *Service) Enabled() bool {
	return s != nil && s.signer != nil
}

// IssueForHold implements escrow.ReceiptIssuer.
func (s *Service) IssueForHold(ctx context.Context, h *escrow.Hold) error {
	_, err := s.Issue(ctx, h)
	return err
}

// Issue signs and stores the receipt for a settled hold. Issuing twice for
// the same settlement returns the first receipt. Returns nil, nil when
// signing is disabled.
func (s *Service) Issue(ctx context.Context, h *escrow.Hold) (*Receipt, error) {
	if !s.Enabled() {
		return nil, nil
	}

	r := &Receipt{
		ID:           idgen.WithPrefix(idgen.ReceiptPrefix),
		EscrowHoldID: h.ID,
		WalletID:     h.WalletID,
		BuyerID:      h.BuyerID,
		SellerID:     h.SellerID,
		Amount:       h.Amount,
		Currency:     h.Currency,
		OrderID:      h.OrderID,
	}
	switch {
	case h.Status == escrow.StatusReleased && h.ReleasedAt != nil:
		r.Kind, r.SettledAt = KindRelease, *h.ReleasedAt
	case h.Status == escrow.StatusRefunded && h.RefundedAt != nil:
		r.Kind, r.SettledAt = KindRefund, *h.RefundedAt
	default:
		return nil, fmt.Errorf("receipts: hold %s is %s, not settled", h.ID, h.Status)
	}
	r.SettledAt = r.SettledAt.UTC().Truncate(time.Second)

	hash, err := hashPayload(r.payload())
	if err != nil {
		return nil, err
	}
	r.PayloadHash = hash
	r.IssuedAt = s.now().UTC().Truncate(time.Second)
	r.ExpiresAt = r.IssuedAt.Add(s.validity)
	if r.Token, err = s.signer.sign(r.ID, r.payload(), r.IssuedAt, r.ExpiresAt); err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, r); err != nil {
		if errors.Is(err, ErrDuplicateReceipt) {
			return s.existing(ctx, h.ID, r.Kind)
		}
		metrics.ReceiptsIssuedTotal.WithLabelValues(string(r.Kind), "error").Inc()
		return nil, fmt.Errorf("store receipt: %w", err)
	}
	metrics.ReceiptsIssuedTotal.WithLabelValues(string(r.Kind), "issued").Inc()
	s.logger.Info("escrow receipt issued",
		"receiptId", r.ID,
		"escrowHoldId", h.ID,
		"kind", r.Kind,
	)
	return r, nil
}

func (s *Service) existing(ctx context.Context, holdID string, kind Kind) (*Receipt, error) {
	all, err := s.store.ListByHold(ctx, holdID)
	if err != nil {
		return nil, err
	}
	for _, r := range all {
		if r.Kind == kind {
			return r, nil
		}
	}
	return nil, ErrReceiptNotFound
}

func hashPayload(p payload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode receipt payload: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Get returns a receipt by id.
func (s *Service) Get(ctx context.Context, id string) (*Receipt, error) {
	return s.store.Get(ctx, id)
}

// ListByHold returns the receipts issued for a hold.
func (s *Service) ListByHold(ctx context.Context, holdID string) ([]*Receipt, error) {
	return s.store.ListByHold(ctx, holdID)
}

// ListByUser returns receipts where userID was buyer or seller.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Receipt, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// Verify checks a receipt. A presented token must carry a valid signature
// and match the stored receipt it names; a receipt id checks the stored
// token. Only storage failures are returned as errors.
func (s *Service) Verify(ctx context.Context, req VerifyRequest) (*VerifyResponse, error) {
	resp := &VerifyResponse{ReceiptID: req.ReceiptID}
	if !s.Enabled() {
		resp.Error = ErrSigningDisabled.Error()
		return resp, nil
	}

	token := req.Token
	if token != "" {
		c, err := s.signer.parse(token)
		if err != nil {
			resp.Error = "signature verification failed"
			return resp, nil
		}
		if resp.ReceiptID == "" {
			resp.ReceiptID = c.ID
		}
		if c.ID != resp.ReceiptID {
			resp.Error = "token belongs to another receipt"
			return resp, nil
		}
	}
	if resp.ReceiptID == "" {
		resp.Error = "receiptId or token is required"
		return resp, nil
	}

	r, err := s.store.Get(ctx, resp.ReceiptID)
	if errors.Is(err, ErrReceiptNotFound) {
		resp.Error = ErrReceiptNotFound.Error()
		return resp, nil
	}
	if err != nil {
		return nil, err
	}
	if token == "" {
		token = r.Token
	}

	c, err := s.signer.parse(token)
	if err != nil {
		resp.Error = "signature verification failed"
		return resp, nil
	}
	if c.payload != r.payload() {
		resp.Error = "receipt does not match the signed payload"
		return resp, nil
	}

	resp.Valid = true
	resp.Expired = c.ExpiresAt != nil && s.now().After(c.ExpiresAt.Time)
	return resp, nil
}
