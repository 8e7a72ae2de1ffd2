package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSink struct {
	mu     sync.Mutex
	name   string
	events []Event
	err    error
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Send(ctx context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *recordingSink) received() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func TestDispatcherFillsEnvelope(t *testing.T) {
	sink := &recordingSink{name: "rec"}
	d := NewDispatcher(testLogger(), sink)

	d.Notify(context.Background(), Event{Type: EventEscrowHeld, WalletID: "wal_1", Amount: 12345, Currency: "INR"})
	d.Close()

	got := sink.received()
	require.Len(t, got, 1)
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].Timestamp.IsZero())
	assert.Equal(t, "123.45", got[0].DisplayAmount)
}

func TestDispatcherIsolatesFailingSink(t *testing.T) {
	bad := &recordingSink{name: "bad", err: errors.New("down")}
	good := &recordingSink{name: "good"}
	d := NewDispatcher(testLogger(), bad, good)

	d.Notify(context.Background(), Event{Type: EventWalletCredited, WalletID: "wal_1"})
	d.Close()

	assert.Len(t, bad.received(), 1)
	assert.Len(t, good.received(), 1)
}

func TestDispatcherSurvivesCancelledContext(t *testing.T) {
	sink := &recordingSink{name: "rec"}
	d := NewDispatcher(testLogger(), sink)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Notify(ctx, Event{Type: EventWalletDebited, WalletID: "wal_1"})
	d.Close()

	assert.Len(t, sink.received(), 1)
}

type blockingSink struct {
	release chan struct{}
	sent    atomic.Int64
}

func (s *blockingSink) Name() string { return "blocking" }

func (s *blockingSink) Send(ctx context.Context, ev Event) error {
	<-s.release
	s.sent.Add(1)
	return nil
}

func TestDispatcherDropsAfterClose(t *testing.T) {
	sink := &recordingSink{name: "rec"}
	d := NewDispatcher(testLogger(), sink)

	d.Notify(context.Background(), Event{Type: EventWalletCredited, WalletID: "wal_1"})
	d.Close()
	d.Close()
	d.Notify(context.Background(), Event{Type: EventWalletCredited, WalletID: "wal_2"})

	got := sink.received()
	require.Len(t, got, 1)
	assert.Equal(t, "wal_1", got[0].WalletID)
}

func TestDispatcherBoundsQueuedDeliveries(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	d := NewDispatcher(testLogger(), sink)

	// Every worker blocks on its first event, so the queue holds the rest
	// and anything beyond it is dropped.
	total := DefaultWorkers + DefaultQueueSize + 50
	for i := 0; i < total; i++ {
		d.Notify(context.Background(), Event{Type: EventWalletCredited, WalletID: "wal_1"})
	}
	close(sink.release)
	d.Close()

	sent := sink.sent.Load()
	assert.GreaterOrEqual(t, sent, int64(DefaultQueueSize))
	assert.LessOrEqual(t, sent, int64(DefaultWorkers+DefaultQueueSize))
}

func TestWebhookSinkSignsPayload(t *testing.T) {
	const secret = "whsec_test"
	var (
		gotBody []byte
		gotSig  string
		gotType string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get(HeaderSignature)
		gotType = r.Header.Get(HeaderEvent)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, secret)
	ev := Event{ID: "evt_1", Type: EventEscrowReleased, WalletID: "wal_1", Timestamp: time.Unix(1700000000, 0).UTC()}
	require.NoError(t, sink.Send(context.Background(), ev))

	assert.Equal(t, string(EventEscrowReleased), gotType)
	assert.True(t, Verify(gotBody, secret, gotSig))

	var decoded Event
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.Equal(t, "evt_1", decoded.ID)
}

func TestWebhookSinkNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookSink(srv.URL, "").Send(context.Background(), Event{Type: EventWalletCreated})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestRedisSinkPublishes(t *testing.T) {
	client, mock := redismock.NewClientMock()
	sink := NewRedisSink(client, "")

	ev := Event{ID: "evt_1", Type: EventEscrowRefunded, WalletID: "wal_1", Amount: 1000, Currency: "USD", Timestamp: time.Unix(1700000000, 0).UTC()}
	payload, err := json.Marshal(ev)
	require.NoError(t, err)

	mock.ExpectPublish(DefaultChannel, string(payload)).SetVal(1)
	require.NoError(t, sink.Send(context.Background(), ev))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisSinkError(t *testing.T) {
	client, mock := redismock.NewClientMock()
	sink := NewRedisSink(client, "custom")

	ev := Event{ID: "evt_2", Type: EventWalletCreated, Timestamp: time.Unix(1700000000, 0).UTC()}
	payload, _ := json.Marshal(ev)
	mock.ExpectPublish("custom", string(payload)).SetErr(errors.New("connection refused"))

	err := sink.Send(context.Background(), ev)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "custom")
}
