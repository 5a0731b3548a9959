package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stockfolio/portfolio-engine/internal/model"
)

type mockKafkaWriter struct {
	mu         sync.Mutex
	messages   []kafka.Message
	shouldFail bool
}

func (m *mockKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shouldFail {
		return errors.New("kafka error")
	}
	m.messages = append(m.messages, msgs...)
	return nil
}

func (m *mockKafkaWriter) Close() error { return nil }

type recorder struct {
	got []Event
}

func (r *recorder) Publish(_ context.Context, e Event) { r.got = append(r.got, e) }

func TestNew(t *testing.T) {
	tr := model.Transaction{ID: 7, UserID: "alice", Symbol: "AAPL", Quantity: 1, Price: decimal.NewFromInt(150), Type: model.Buy}
	e := New(TransactionCreated, "alice").WithTransaction(tr).WithBalance(decimal.NewFromInt(850))

	assert.NotEmpty(t, e.ID)
	assert.NotEqual(t, e.ID, New(TransactionCreated, "alice").ID)
	assert.Equal(t, TransactionCreated, e.Type)
	require.NotNil(t, e.Transaction)
	assert.Equal(t, int64(7), e.Transaction.ID)
	require.NotNil(t, e.Balance)
	assert.True(t, e.Balance.Equal(decimal.NewFromInt(850)))
}

func TestFanout(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	Fanout{a, Nop{}, b}.Publish(context.Background(), New(LedgerErased, ""))

	require.Len(t, a.got, 1)
	require.Len(t, b.got, 1)
	assert.Equal(t, LedgerErased, b.got[0].Type)
}

func TestKafkaPublisher(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		w := &mockKafkaWriter{}
		p := NewKafkaPublisher(w, zap.NewNop())

		e := New(SettlementAdjusted, "bob").WithSettlement(model.SettlementTransaction{
			UserID: "bob", Amount: decimal.NewFromInt(25), Action: model.Add,
		})
		p.Publish(context.Background(), e)

		require.Len(t, w.messages, 1)
		msg := w.messages[0]
		assert.Equal(t, "bob", string(msg.Key))
		require.Len(t, msg.Headers, 1)
		assert.Equal(t, "settlement_adjusted", string(msg.Headers[0].Value))

		var decoded Event
		require.NoError(t, json.Unmarshal(msg.Value, &decoded))
		assert.Equal(t, e.ID, decoded.ID)
		require.NotNil(t, decoded.Settlement)
		assert.Equal(t, model.Add, decoded.Settlement.Action)
	})

	t.Run("WriterFailureIsSwallowed", func(t *testing.T) {
		w := &mockKafkaWriter{shouldFail: true}
		p := NewKafkaPublisher(w, zap.NewNop())

		assert.NotPanics(t, func() {
			p.Publish(context.Background(), New(TransactionDeleted, "bob"))
		})
		assert.Empty(t, w.messages)
	})
}

func TestWSHub_Broadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewWSHub(zap.NewNop())
	go hub.Run(ctx)

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Publish(context.Background(), New(TransactionCreated, "alice"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var e Event
	require.NoError(t, json.Unmarshal(data, &e))
	assert.Equal(t, TransactionCreated, e.Type)
	assert.Equal(t, "alice", e.UserID)
}

func TestWSHub_PublishWithoutClientsDoesNotBlock(t *testing.T) {
	hub := NewWSHub(zap.NewNop())

	done := make(chan struct{})
	go func() {
		// Run is not started, so the buffer fills and further events drop.
		for i := 0; i < 300; i++ {
			hub.Publish(context.Background(), New(LedgerErased, ""))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked")
	}
}
