package explorer

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/openbtcpay/paywatch/internal/core/domain"
)

// HTTPClient talks to the chain-indexing service over its JSON/HTTP API.
// Streaming sessions are long-polled; a transport failure on the poll is
// surfaced as ErrConnectionLost.
type HTTPClient struct {
	cryptoCode domain.CryptoCode
	baseURL    string
	httpClient *http.Client
	pollClient *http.Client
}

// NewHTTPClient creates a client for one crypto code.
func NewHTTPClient(cryptoCode domain.CryptoCode, baseURL string, timeout time.Duration) *HTTPClient {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPClient{
		cryptoCode: cryptoCode,
		baseURL:    baseURL,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		// The event poll holds the connection open for the server's full
		// poll window, so it must not inherit the unary timeout. Cancellation
		// comes from the request context.
		pollClient: &http.Client{Transport: transport},
	}
}

func (c *HTTPClient) CryptoCode() domain.CryptoCode { return c.cryptoCode }

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("explorer call: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errNotFound
	case resp.StatusCode >= 400:
		return fmt.Errorf("explorer http %d: %s", resp.StatusCode, string(data))
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
	}
	return nil
}

var errNotFound = errors.New("explorer: not found")

type transactionJSON struct {
	TransactionHash string `json:"transactionHash"`
	Confirmations   int64  `json:"confirmations"`
	Height          *int64 `json:"height"`
	TransactionHex  string `json:"transaction"`
}

func (j *transactionJSON) toResult() (*TransactionResult, error) {
	hash, err := chainhash.NewHashFromStr(j.TransactionHash)
	if err != nil {
		return nil, fmt.Errorf("invalid tx hash %q: %w", j.TransactionHash, err)
	}
	res := &TransactionResult{
		TxHash:        *hash,
		Confirmations: j.Confirmations,
		Height:        j.Height,
	}
	if j.TransactionHex != "" {
		raw, err := hex.DecodeString(j.TransactionHex)
		if err != nil {
			return nil, fmt.Errorf("invalid raw tx: %w", err)
		}
		res.RawTx = raw
		if err := res.ParseTransaction(); err != nil {
			return nil, fmt.Errorf("decode raw tx: %w", err)
		}
	}
	return res, nil
}

// GetTransaction fetches one transaction. Returns nil when the indexer does
// not know it.
func (c *HTTPClient) GetTransaction(ctx context.Context, txHash chainhash.Hash) (*TransactionResult, error) {
	var j transactionJSON
	path := fmt.Sprintf("/v1/cryptos/%s/transactions/%s", c.cryptoCode, txHash.String())
	if err := c.do(ctx, http.MethodGet, path, nil, &j); err != nil {
		if errors.Is(err, errNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return j.toResult()
}

// GetTransactions fetches several transactions; unknown hashes are simply
// absent from the result map.
func (c *HTTPClient) GetTransactions(ctx context.Context, txHashes []chainhash.Hash) (map[chainhash.Hash]*TransactionResult, error) {
	out := make(map[chainhash.Hash]*TransactionResult, len(txHashes))
	for _, h := range txHashes {
		if _, ok := out[h]; ok {
			continue
		}
		res, err := c.GetTransaction(ctx, h)
		if err != nil {
			return nil, err
		}
		if res != nil {
			out[h] = res
		}
	}
	return out, nil
}

type utxoJSON struct {
	TransactionHash string `json:"transactionHash"`
	Index           uint32 `json:"index"`
	ScriptHash      string `json:"scriptHash"`
	Address         string `json:"address"`
	KeyPath         string `json:"keyPath"`
	Value           int64  `json:"value"`
	Confirmations   int64  `json:"confirmations"`
	Timestamp       int64  `json:"timestamp"`
}

// GetUnspentOutputs fetches the full unspent output set of a derivation
// scheme.
func (c *HTTPClient) GetUnspentOutputs(ctx context.Context, derivationScheme string) ([]*UTXO, error) {
	var rows []utxoJSON
	path := fmt.Sprintf("/v1/cryptos/%s/derivations/%s/utxos", c.cryptoCode, url.PathEscape(derivationScheme))
	if err := c.do(ctx, http.MethodGet, path, nil, &rows); err != nil {
		return nil, err
	}

	utxos := make([]*UTXO, 0, len(rows))
	for _, row := range rows {
		hash, err := chainhash.NewHashFromStr(row.TransactionHash)
		if err != nil {
			return nil, fmt.Errorf("invalid utxo tx hash %q: %w", row.TransactionHash, err)
		}
		utxos = append(utxos, &UTXO{
			Outpoint:      wire.OutPoint{Hash: *hash, Index: row.Index},
			ScriptHash:    row.ScriptHash,
			Address:       row.Address,
			KeyPath:       row.KeyPath,
			Value:         btcutil.Amount(row.Value),
			Confirmations: row.Confirmations,
			Timestamp:     time.Unix(row.Timestamp, 0).UTC(),
		})
	}
	return utxos, nil
}

// Broadcast submits a raw transaction to the indexer's node.
func (c *HTTPClient) Broadcast(ctx context.Context, rawTx []byte, testMempoolAccept bool) (*BroadcastResult, error) {
	var res struct {
		Success bool   `json:"success"`
		RPCCode int    `json:"rpcCode"`
		Message string `json:"rpcMessage"`
	}
	path := fmt.Sprintf("/v1/cryptos/%s/transactions?testMempoolAccept=%t", c.cryptoCode, testMempoolAccept)
	body := map[string]string{"transaction": hex.EncodeToString(rawTx)}
	if err := c.do(ctx, http.MethodPost, path, body, &res); err != nil {
		return nil, err
	}
	return &BroadcastResult{
		Success: res.Success,
		RPCCode: RPCErrorCode(res.RPCCode),
		Message: res.Message,
	}, nil
}

// ReserveAddress asks the indexer for the next unused address of the scheme.
func (c *HTTPClient) ReserveAddress(ctx context.Context, derivationScheme string) (*AddressInfo, error) {
	var res AddressInfo
	path := fmt.Sprintf("/v1/cryptos/%s/derivations/%s/addresses/reserve", c.cryptoCode, url.PathEscape(derivationScheme))
	if err := c.do(ctx, http.MethodPost, path, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// CreateSession opens a streaming notification session.
func (c *HTTPClient) CreateSession(ctx context.Context) (Session, error) {
	var res struct {
		ID string `json:"id"`
	}
	path := fmt.Sprintf("/v1/cryptos/%s/sessions", c.cryptoCode)
	if err := c.do(ctx, http.MethodPost, path, nil, &res); err != nil {
		return nil, err
	}
	if res.ID == "" {
		return nil, fmt.Errorf("explorer returned empty session id")
	}
	return &httpSession{client: c, id: res.ID}, nil
}

type httpSession struct {
	client *HTTPClient
	id     string
}

func (s *httpSession) listen(ctx context.Context, scope string) error {
	path := fmt.Sprintf("/v1/cryptos/%s/sessions/%s/listen", s.client.cryptoCode, s.id)
	return s.client.do(ctx, http.MethodPost, path, map[string]string{"scope": scope}, nil)
}

func (s *httpSession) ListenNewBlock(ctx context.Context) error {
	return s.listen(ctx, "blocks")
}

func (s *httpSession) ListenAllTrackedSources(ctx context.Context) error {
	return s.listen(ctx, "tracked-sources")
}

type chainEventJSON struct {
	Type             string           `json:"type"`
	CryptoCode       string           `json:"cryptoCode"`
	Height           int64            `json:"height"`
	Hash             string           `json:"hash"`
	DerivationScheme string           `json:"derivationScheme"`
	TransactionHash  string           `json:"transactionHash"`
	Replaceable      bool             `json:"replaceable"`
	Inputs           []outpointJSON   `json:"inputs"`
	Outputs          []matchedOutJSON `json:"outputs"`
}

type outpointJSON struct {
	Hash  string `json:"hash"`
	Index uint32 `json:"index"`
}

type matchedOutJSON struct {
	Index      uint32 `json:"index"`
	ScriptHash string `json:"scriptHash"`
	Address    string `json:"address"`
	KeyPath    string `json:"keyPath"`
	Value      int64  `json:"value"`
}

// NextEvent long-polls the session's event feed. A transport failure means
// the stream is gone and events may have been missed, so it is reported as
// ErrConnectionLost rather than retried here.
func (s *httpSession) NextEvent(ctx context.Context) (ChainEvent, error) {
	path := fmt.Sprintf("/v1/cryptos/%s/sessions/%s/events?timeout=30", s.client.cryptoCode, s.id)

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.client.baseURL+path, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}

		resp, err := s.client.pollClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, connectionLost(err)
		}

		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, connectionLost(err)
		}

		switch resp.StatusCode {
		case http.StatusNoContent:
			// Poll window elapsed without an event.
			continue
		case http.StatusOK:
			return parseChainEvent(data)
		case http.StatusNotFound:
			// Session expired server-side.
			return nil, fmt.Errorf("session %s: %w", s.id, ErrConnectionLost)
		default:
			return nil, fmt.Errorf("explorer http %d: %s", resp.StatusCode, string(data))
		}
	}
}

func (s *httpSession) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	path := fmt.Sprintf("/v1/cryptos/%s/sessions/%s", s.client.cryptoCode, s.id)
	err := s.client.do(ctx, http.MethodDelete, path, nil, nil)
	if errors.Is(err, errNotFound) {
		return nil
	}
	return err
}

func connectionLost(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	// Anything else that broke the poll still means missed events.
	return fmt.Errorf("%w: %v", ErrConnectionLost, err)
}

func parseChainEvent(data []byte) (ChainEvent, error) {
	var j chainEventJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse chain event: %w", err)
	}

	switch j.Type {
	case "newblock":
		hash, err := chainhash.NewHashFromStr(j.Hash)
		if err != nil {
			return nil, fmt.Errorf("invalid block hash %q: %w", j.Hash, err)
		}
		return NewBlockEvent{
			CryptoCode: domain.CryptoCode(j.CryptoCode),
			Height:     j.Height,
			Hash:       *hash,
		}, nil

	case "newtransaction":
		txHash, err := chainhash.NewHashFromStr(j.TransactionHash)
		if err != nil {
			return nil, fmt.Errorf("invalid tx hash %q: %w", j.TransactionHash, err)
		}
		ev := NewTransactionEvent{
			CryptoCode:       domain.CryptoCode(j.CryptoCode),
			DerivationScheme: j.DerivationScheme,
			TxHash:           *txHash,
			RBF:              j.Replaceable,
		}
		for _, in := range j.Inputs {
			h, err := chainhash.NewHashFromStr(in.Hash)
			if err != nil {
				return nil, fmt.Errorf("invalid input hash %q: %w", in.Hash, err)
			}
			ev.Inputs = append(ev.Inputs, wire.OutPoint{Hash: *h, Index: in.Index})
		}
		for _, out := range j.Outputs {
			ev.Outputs = append(ev.Outputs, MatchedOutput{
				Outpoint:   wire.OutPoint{Hash: *txHash, Index: out.Index},
				ScriptHash: out.ScriptHash,
				Address:    out.Address,
				KeyPath:    out.KeyPath,
				Value:      btcutil.Amount(out.Value),
			})
		}
		return ev, nil

	default:
		return nil, fmt.Errorf("unknown chain event type %q", j.Type)
	}
}
