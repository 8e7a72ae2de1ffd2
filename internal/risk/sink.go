package risk

import (
	"context"

	"github.com/rfqhub/walletd/internal/notify"
)

// counterpartyKey mirrors the ledger's metadata key for the other party.
const counterpartyKey = "counterparty"

// Sink feeds committed outgoing movements back into the engine's windows.
// Register it with the notification dispatcher.
type Sink struct {
	engine *Engine
}

// NewSink creates a sink recording into engine.
func NewSink(engine *Engine) *Sink {
	return &Sink{engine: engine}
}

func (s *Sink) Name() string { return "risk" }

func (s *Sink) Send(ctx context.Context, ev notify.Event) error {
	switch ev.Type {
	case notify.EventWalletDebited, notify.EventEscrowHeld:
		s.engine.Record(ev.WalletID, ev.Metadata[counterpartyKey], ev.Amount)
	}
	return nil
}
