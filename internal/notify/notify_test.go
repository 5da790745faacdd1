package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/harvestmart/internal/security"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestSend_AddressesEachParty(t *testing.T) {
	rec := &Recorder{}
	Send(context.Background(), rec, Event{Type: EventContractCreated, ContractID: "ctr_1"}, "buyer", "", "producer")

	events := rec.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "buyer", events[0].PartyID)
	assert.Equal(t, "producer", events[1].PartyID)
	assert.False(t, events[0].Timestamp.IsZero())

	Send(context.Background(), nil, Event{}, "x")
}

func TestMulti(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	Multi{a, Nop{}, b}.Notify(context.Background(), Event{Type: EventLatePayment})
	assert.Len(t, a.Of(EventLatePayment), 1)
	assert.Len(t, b.Of(EventLatePayment), 1)
	a.Reset()
	assert.Empty(t, a.Events())
}

func TestFilterMatch(t *testing.T) {
	ev := &Event{Type: EventDepositPaid, ContractID: "ctr_1"}
	assert.True(t, Filter{}.match(ev))
	assert.True(t, Filter{EventTypes: []EventType{EventDepositPaid}}.match(ev))
	assert.False(t, Filter{EventTypes: []EventType{EventOfferAccepted}}.match(ev))
	assert.True(t, Filter{ContractIDs: []string{"ctr_1"}}.match(ev))
	assert.False(t, Filter{ContractIDs: []string{"ctr_2"}}.match(ev))
}

func TestHTTPNotifier_SignsAndDelivers(t *testing.T) {
	got := make(chan *http.Request, 1)
	bodies := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- r
		bodies <- body
	}))
	defer srv.Close()

	n := NewHTTPNotifier(srv.URL, "notify-secret", time.Second, quietLogger())
	n.Notify(context.Background(), Event{
		Type: EventOfferAccepted, PartyID: "farmer-1", OfferID: "ofr_1",
		Timestamp: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	})

	select {
	case r := <-got:
		body := <-bodies
		assert.Equal(t, string(EventOfferAccepted), r.Header.Get(HeaderEvent))
		assert.Equal(t, security.Sign(body, "notify-secret"), r.Header.Get(HeaderSignature))
		var ev Event
		require.NoError(t, json.Unmarshal(body, &ev))
		assert.Equal(t, "farmer-1", ev.PartyID)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestHTTPNotifier_ClientErrorNotRetried(t *testing.T) {
	hits := make(chan struct{}, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits <- struct{}{}
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	n := NewHTTPNotifier(srv.URL, "", time.Second, quietLogger())
	n.policy.BaseDelay = time.Millisecond
	n.Notify(context.Background(), Event{Type: EventOfferDeclined, PartyID: "b"})

	<-hits
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, hits, 0)
}

func TestHub_DeliversOnlyToParty(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewHub(quietLogger())
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.Serve(w, r, r.URL.Query().Get("party"))
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?party=buyer-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.Stats()["connectedClients"] == 1 }, time.Second, 5*time.Millisecond)

	h.Notify(ctx, Event{Type: EventDepositRequested, PartyID: "someone-else", ContractID: "ctr_x"})
	h.Notify(ctx, Event{Type: EventDepositRequested, PartyID: "buyer-1", ContractID: "ctr_1"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev Event
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, "buyer-1", ev.PartyID)
	assert.Equal(t, "ctr_1", ev.ContractID)
}

func TestHub_RequiresParty(t *testing.T) {
	h := NewHub(quietLogger())
	w := httptest.NewRecorder()
	h.Serve(w, httptest.NewRequest(http.MethodGet, "/ws", nil), "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
