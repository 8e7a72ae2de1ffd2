package escrow

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rfqhub/walletd/internal/gateway"
	"github.com/rfqhub/walletd/internal/money"
	"github.com/rfqhub/walletd/internal/wallet"
)

// analyticsLimit caps how many holds one summary reads.
const analyticsLimit = 10000

const topSellers = 10

// Analytics aggregates holds matching an AnalyticsFilter. Amounts are never
// summed across currencies.
type Analytics struct {
	TotalCount      int                        `json:"totalCount"`
	ByStatus        map[Status]int             `json:"byStatus"`
	Volume          map[string]*CurrencyVolume `json:"volume"`
	AutoReleaseRate float64                    `json:"autoReleaseRate"` // % of releases made by the scheduler
	RefundRate      float64                    `json:"refundRate"`      // % of settled holds that were refunded
	AvgSettleSecs   float64                    `json:"avgSettleSecs"`
	TopSellers      []SellerStats              `json:"topSellers"`
	Truncated       bool                       `json:"truncated,omitempty"`
}

// CurrencyVolume totals one currency in minor units.
type CurrencyVolume struct {
	Count          int    `json:"count"`
	Total          int64  `json:"total"`
	Average        int64  `json:"average"`
	DisplayTotal   string `json:"displayTotal"`
	DisplayAverage string `json:"displayAverage"`
}

// SellerStats is one seller's volume in one currency.
type SellerStats struct {
	SellerID  string `json:"sellerId"`
	Currency  string `json:"currency"`
	HoldCount int    `json:"holdCount"`
	Total     int64  `json:"total"`
}

// AnalyticsFilter narrows the holds an Analytics summary covers. From and To
// bound created_at as [From, To).
type AnalyticsFilter struct {
	SellerID string
	Gateway  gateway.Gateway
	From     *time.Time
	To       *time.Time
}

func (f AnalyticsFilter) matches(h *Hold) bool {
	if f.SellerID != "" && h.SellerID != f.SellerID {
		return false
	}
	if f.Gateway != "" && h.Gateway != f.Gateway {
		return false
	}
	if f.From != nil && h.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && !h.CreatedAt.Before(*f.To) {
		return false
	}
	return true
}

// Analytics summarizes holds matching f.
func (s *Service) Analytics(ctx context.Context, f AnalyticsFilter) (*Analytics, error) {
	if f.Gateway != "" && !f.Gateway.Valid() {
		return nil, fmt.Errorf("%w: unknown gateway %q", wallet.ErrInvalidRequest, f.Gateway)
	}
	if f.From != nil && f.To != nil && !f.From.Before(*f.To) {
		return nil, fmt.Errorf("%w: from must be before to", wallet.ErrInvalidRequest)
	}
	holds, err := s.store.ListForAnalytics(ctx, f, analyticsLimit)
	if err != nil {
		return nil, err
	}
	a := summarize(holds)
	a.Truncated = len(holds) >= analyticsLimit
	return a, nil
}

func summarize(holds []*Hold) *Analytics {
	a := &Analytics{
		ByStatus:   make(map[Status]int),
		Volume:     make(map[string]*CurrencyVolume),
		TopSellers: []SellerStats{},
	}

	type sellerKey struct{ seller, currency string }
	sellers := make(map[sellerKey]*SellerStats)

	var (
		released, autoReleased, refunded int
		settleSecs                       float64
	)
	for _, h := range holds {
		a.TotalCount++
		a.ByStatus[h.Status]++

		v := a.Volume[h.Currency]
		if v == nil {
			v = &CurrencyVolume{}
			a.Volume[h.Currency] = v
		}
		v.Count++
		v.Total += h.Amount

		k := sellerKey{h.SellerID, h.Currency}
		st := sellers[k]
		if st == nil {
			st = &SellerStats{SellerID: h.SellerID, Currency: h.Currency}
			sellers[k] = st
		}
		st.HoldCount++
		st.Total += h.Amount

		switch h.Status {
		case StatusReleased:
			released++
			if h.Metadata[wallet.MetaReleasedBy] == ReleasedByScheduler {
				autoReleased++
			}
			if h.ReleasedAt != nil {
				settleSecs += h.ReleasedAt.Sub(h.CreatedAt).Seconds()
			}
		case StatusRefunded:
			refunded++
			if h.RefundedAt != nil {
				settleSecs += h.RefundedAt.Sub(h.CreatedAt).Seconds()
			}
		}
	}

	for currency, v := range a.Volume {
		v.Average = v.Total / int64(v.Count)
		v.DisplayTotal = money.Format(v.Total, currency)
		v.DisplayAverage = money.Format(v.Average, currency)
	}
	if released > 0 {
		a.AutoReleaseRate = float64(autoReleased) / float64(released) * 100
	}
	if settled := released + refunded; settled > 0 {
		a.RefundRate = float64(refunded) / float64(settled) * 100
		a.AvgSettleSecs = settleSecs / float64(settled)
	}

	for _, st := range sellers {
		a.TopSellers = append(a.TopSellers, *st)
	}
	sort.Slice(a.TopSellers, func(i, j int) bool {
		x, y := a.TopSellers[i], a.TopSellers[j]
		if x.Total != y.Total {
			return x.Total > y.Total
		}
		if x.SellerID != y.SellerID {
			return x.SellerID < y.SellerID
		}
		return x.Currency < y.Currency
	})
	if len(a.TopSellers) > topSellers {
		a.TopSellers = a.TopSellers[:topSellers]
	}
	return a
}
