package explorer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/openbtcpay/paywatch/internal/core/domain"
)

func TestGetTransactionUnknownHashReturnsNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewHTTPClient(domain.CryptoCodeBTC, srv.URL, time.Second)
	res, err := c.GetTransaction(context.Background(), [32]byte{1})
	if err != nil {
		t.Fatalf("unknown tx must not be an error: %v", err)
	}
	if res != nil {
		t.Fatal("expected nil result for unknown tx")
	}
}

func TestBroadcastCarriesMempoolAcceptFlag(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		json.NewEncoder(w).Encode(map[string]any{
			"success": false,
			"rpcCode": -26,
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(domain.CryptoCodeBTC, srv.URL, time.Second)
	res, err := c.Broadcast(context.Background(), []byte{0x01}, true)
	if err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}
	if gotQuery != "testMempoolAccept=true" {
		t.Errorf("unexpected query %q", gotQuery)
	}
	if res.Success || res.RPCCode != RPCTransactionRejected {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestSessionNextEventSkipsEmptyPolls(t *testing.T) {
	polls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/cryptos/BTC/sessions":
			json.NewEncoder(w).Encode(map[string]string{"id": "s1"})
		case r.URL.Path == "/v1/cryptos/BTC/sessions/s1/events":
			polls++
			if polls == 1 {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"type":       "newblock",
				"cryptoCode": "BTC",
				"height":     812000,
				"hash":       "000000000000000000024e2b1c4c8adbbfae1e3d61c0fa6a2b6e1eaf8b4b3e1a",
			})
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(domain.CryptoCodeBTC, srv.URL, time.Second)
	session, err := c.CreateSession(context.Background())
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	ev, err := session.NextEvent(context.Background())
	if err != nil {
		t.Fatalf("NextEvent failed: %v", err)
	}
	block, ok := ev.(NewBlockEvent)
	if !ok {
		t.Fatalf("expected NewBlockEvent, got %T", ev)
	}
	if block.Height != 812000 {
		t.Errorf("unexpected height %d", block.Height)
	}
	if polls != 2 {
		t.Errorf("expected the empty poll to be retried, polls=%d", polls)
	}
}

func TestNextEventOutlivesUnaryTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/cryptos/BTC/sessions":
			json.NewEncoder(w).Encode(map[string]string{"id": "s1"})
		case r.URL.Path == "/v1/cryptos/BTC/sessions/s1/events":
			// Quiet stretch longer than the unary timeout below.
			time.Sleep(250 * time.Millisecond)
			json.NewEncoder(w).Encode(map[string]any{
				"type":       "newblock",
				"cryptoCode": "BTC",
				"height":     812001,
				"hash":       "000000000000000000024e2b1c4c8adbbfae1e3d61c0fa6a2b6e1eaf8b4b3e1a",
			})
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(domain.CryptoCodeBTC, srv.URL, 50*time.Millisecond)
	session, err := c.CreateSession(context.Background())
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	ev, err := session.NextEvent(context.Background())
	if err != nil {
		t.Fatalf("a quiet event stream must not trip the unary timeout: %v", err)
	}
	if block, ok := ev.(NewBlockEvent); !ok || block.Height != 812001 {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestSessionLossSurfacesAsConnectionLost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/v1/cryptos/BTC/sessions" {
			json.NewEncoder(w).Encode(map[string]string{"id": "s1"})
			return
		}
		// Session evicted server-side.
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewHTTPClient(domain.CryptoCodeBTC, srv.URL, time.Second)
	session, err := c.CreateSession(context.Background())
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	if _, err := session.NextEvent(context.Background()); !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("expected ErrConnectionLost, got %v", err)
	}
}

func TestParseChainEventNewTransaction(t *testing.T) {
	data := []byte(`{
		"type": "newtransaction",
		"cryptoCode": "BTC",
		"derivationScheme": "xpub-test",
		"transactionHash": "000000000000000000024e2b1c4c8adbbfae1e3d61c0fa6a2b6e1eaf8b4b3e1a",
		"replaceable": true,
		"outputs": [
			{"index": 1, "scriptHash": "ab12", "address": "bc1qtest", "keyPath": "0/5", "value": 40000}
		]
	}`)

	ev, err := parseChainEvent(data)
	if err != nil {
		t.Fatalf("parseChainEvent failed: %v", err)
	}
	tx, ok := ev.(NewTransactionEvent)
	if !ok {
		t.Fatalf("expected NewTransactionEvent, got %T", ev)
	}
	if !tx.RBF || tx.DerivationScheme != "xpub-test" {
		t.Errorf("unexpected event %+v", tx)
	}
	if len(tx.Outputs) != 1 {
		t.Fatalf("expected one output, got %d", len(tx.Outputs))
	}
	out := tx.Outputs[0]
	if out.Outpoint.Index != 1 || out.Outpoint.Hash != tx.TxHash {
		t.Errorf("output outpoint not derived from event tx: %+v", out.Outpoint)
	}
	if out.Value != 40000 || out.ScriptHash != "ab12" {
		t.Errorf("unexpected output %+v", out)
	}
}

func TestParseChainEventUnknownType(t *testing.T) {
	if _, err := parseChainEvent([]byte(`{"type":"reorg"}`)); err == nil {
		t.Fatal("unknown event type must fail")
	}
}
