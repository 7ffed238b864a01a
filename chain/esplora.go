// Copyright (c) 2025 The coldwatch developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/sync/errgroup"
)

const (
	// defaultHTTPTimeout bounds each individual esplora request.
	defaultHTTPTimeout = 30 * time.Second

	// maxConcurrentRequests caps the number of in-flight address
	// queries a single FetchScripts call may issue. Public esplora
	// instances rate limit aggressively, so this is deliberately small.
	maxConcurrentRequests = 4

	// maxResponseBytes bounds the size of any response body we are
	// willing to read.
	maxResponseBytes = 8 << 20
)

// EsploraClient is a poll-based chain source backed by an esplora-style
// HTTP API (blockstream.info, mempool.space, or a self-hosted instance).
type EsploraClient struct {
	baseURL   string
	client    *http.Client
	userAgent string
}

// A compile time check to ensure EsploraClient implements Source.
var _ Source = (*EsploraClient)(nil)

// NewEsploraClient creates a client for the esplora instance at baseURL,
// e.g. "https://blockstream.info/testnet/api".
func NewEsploraClient(baseURL, userAgent string) *EsploraClient {
	return &EsploraClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    &http.Client{Timeout: defaultHTTPTimeout},
		userAgent: userAgent,
	}
}

// esploraUTXO mirrors one entry of the /address/{addr}/utxo response.
type esploraUTXO struct {
	TxID   string `json:"txid"`
	Vout   uint32 `json:"vout"`
	Value  int64  `json:"value"`
	Status struct {
		Confirmed bool `json:"confirmed"`
	} `json:"status"`
}

// esploraAddress mirrors the stats portion of the /address/{addr} response.
type esploraAddress struct {
	ChainStats struct {
		TxCount int64 `json:"tx_count"`
	} `json:"chain_stats"`
	MempoolStats struct {
		TxCount int64 `json:"tx_count"`
	} `json:"mempool_stats"`
}

// FetchScripts implements Source. The per-address queries are independent,
// so they are issued concurrently with a bounded fan-out; results are
// gathered under a mutex and returned only if every query succeeded.
func (e *EsploraClient) FetchScripts(ctx context.Context,
	scripts []Script) (map[string]ScriptResult, error) {

	var (
		mu      sync.Mutex
		results = make(map[string]ScriptResult, len(scripts))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentRequests)

	for _, script := range scripts {
		script := script
		g.Go(func() error {
			result, err := e.fetchScript(gctx, script)
			if err != nil {
				return err
			}

			mu.Lock()
			results[script.Key()] = result
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}

// fetchScript queries the history stats and the unspent outputs for a
// single address.
func (e *EsploraClient) fetchScript(ctx context.Context,
	script Script) (ScriptResult, error) {

	var stats esploraAddress
	err := e.getJSON(ctx, "/address/"+script.Address, &stats)
	if err != nil {
		return ScriptResult{}, err
	}

	result := ScriptResult{
		Used: stats.ChainStats.TxCount+stats.MempoolStats.TxCount > 0,
	}

	// Unused scripts cannot have outputs, skip the second round trip.
	if !result.Used {
		return result, nil
	}

	var raw []esploraUTXO
	err = e.getJSON(ctx, "/address/"+script.Address+"/utxo", &raw)
	if err != nil {
		return ScriptResult{}, err
	}

	for _, u := range raw {
		txid, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return ScriptResult{}, fmt.Errorf("invalid txid %q "+
				"from backend: %w", u.TxID, err)
		}

		result.UTXOs = append(result.UTXOs, UTXO{
			OutPoint:  *wire.NewOutPoint(txid, u.Vout),
			Value:     btcutil.Amount(u.Value),
			Confirmed: u.Status.Confirmed,
		})
	}

	return result, nil
}

// FetchTx implements Source.
func (e *EsploraClient) FetchTx(ctx context.Context,
	txid *chainhash.Hash) (*wire.MsgTx, error) {

	body, status, err := e.get(ctx, "/tx/"+txid.String()+"/hex")
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %v", ErrTxNotFound, txid)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d fetching tx %v",
			ErrNetwork, status, txid)
	}

	rawTx, err := hex.DecodeString(strings.TrimSpace(string(body)))
	if err != nil {
		return nil, fmt.Errorf("invalid tx hex from backend: %w", err)
	}

	tx := &wire.MsgTx{}
	err = tx.Deserialize(bytes.NewReader(rawTx))
	if err != nil {
		return nil, fmt.Errorf("invalid tx from backend: %w", err)
	}

	return tx, nil
}

// Broadcast implements Source. Esplora accepts the raw transaction hex as
// the POST body and answers with the txid.
func (e *EsploraClient) Broadcast(ctx context.Context,
	tx *wire.MsgTx) (*chainhash.Hash, error) {

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}

	payload := hex.EncodeToString(buf.Bytes())
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, e.baseURL+"/tx",
		strings.NewReader(payload),
	)
	if err != nil {
		return nil, err
	}
	e.decorate(req)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	// A non-200 answer here is a verdict on the transaction, not a
	// transport failure.
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s", ErrBroadcast,
			strings.TrimSpace(string(body)))
	}

	txid, err := chainhash.NewHashFromStr(
		strings.TrimSpace(string(body)),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid txid from backend: %w", err)
	}

	log.Infof("Broadcast tx %v via esplora", txid)

	return txid, nil
}

// getJSON fetches path and decodes the JSON response into out.
func (e *EsploraClient) getJSON(ctx context.Context, path string,
	out interface{}) error {

	body, status, err := e.get(ctx, path)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("%w: status %d for %s", ErrNetwork, status,
			path)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("invalid response for %s: %w", path, err)
	}

	return nil
}

// get performs a GET request against the esplora API, returning the body
// and status code. Transport level failures are wrapped in ErrNetwork.
func (e *EsploraClient) get(ctx context.Context,
	path string) ([]byte, int, error) {

	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, e.baseURL+path, nil,
	)
	if err != nil {
		return nil, 0, err
	}
	e.decorate(req)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	return body, resp.StatusCode, nil
}

// decorate applies common request headers.
func (e *EsploraClient) decorate(req *http.Request) {
	if e.userAgent != "" {
		req.Header.Set("User-Agent", e.userAgent)
	}
}
