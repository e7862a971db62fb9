package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/badgekeep/badgekeep-backend/pkg/config"
	"github.com/badgekeep/badgekeep-backend/pkg/logger"
)

// TransferRequest describes one reward transfer for the ledger service.
type TransferRequest struct {
	Destination string          `json:"destination"`
	AssetRef    string          `json:"asset_ref"`
	IssuerRef   string          `json:"issuer_ref"`
	Amount      decimal.Decimal `json:"amount"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

// Receipt reports the outcome of a previously submitted transfer.
type Receipt struct {
	Found      bool   `json:"found"`
	Successful bool   `json:"successful"`
	LedgerRef  string `json:"ledger_ref"`
}

// Adapter is the boundary to the ledger/chain service. Signing and broadcast
// mechanics live behind it.
type Adapter interface {
	SubmitTransfer(ctx context.Context, req TransferRequest) (string, error)
	GetReceipt(ctx context.Context, txRef string) (Receipt, error)
}

var errBaseURLRequired = errors.New("chain adapter base url is required")

// Client talks to the chain adapter over HTTP.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient initializes the chain adapter client with the configured endpoint.
func NewClient(ctx context.Context, cfg config.ChainConfig, logg *logger.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errBaseURLRequired
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parsing chain base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logg != nil {
		logg.Info(ctx, "chain adapter client initialized")
	}
	return &Client{
		baseURL: base,
		apiKey:  strings.TrimSpace(cfg.APIKey),
		http:    &http.Client{Timeout: timeout},
	}, nil
}

// Ping verifies the adapter endpoint is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/health", nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("chain adapter unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("chain adapter unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

type submitResponse struct {
	TxRef string `json:"tx_ref"`
	Error string `json:"error"`
}

// SubmitTransfer submits a transfer and returns the adapter's transaction
// reference.
func (c *Client) SubmitTransfer(ctx context.Context, transfer TransferRequest) (string, error) {
	if strings.TrimSpace(transfer.Destination) == "" {
		return "", errors.New("transfer destination is required")
	}
	body, err := json.Marshal(transfer)
	if err != nil {
		return "", fmt.Errorf("encoding transfer: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/transfers", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit transfer: %w", err)
	}
	defer resp.Body.Close()

	var decoded submitResponse
	if err := decodeBody(resp.Body, &decoded); err != nil {
		return "", fmt.Errorf("decoding submit response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		msg := decoded.Error
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return "", fmt.Errorf("transfer rejected: %s", msg)
	}
	if decoded.TxRef == "" {
		return "", errors.New("adapter returned empty tx ref")
	}
	return decoded.TxRef, nil
}

// GetReceipt queries the outcome of a submitted transfer. A 404 maps to
// Receipt{Found: false} rather than an error.
func (c *Client) GetReceipt(ctx context.Context, txRef string) (Receipt, error) {
	if strings.TrimSpace(txRef) == "" {
		return Receipt{}, errors.New("tx ref is required")
	}
	endpoint := c.baseURL + "/v1/receipts/" + url.PathEscape(txRef)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Receipt{}, err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("get receipt: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Receipt{Found: false}, nil
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return Receipt{}, fmt.Errorf("receipt lookup failed: status %d", resp.StatusCode)
	}

	var receipt Receipt
	if err := decodeBody(resp.Body, &receipt); err != nil {
		return Receipt{}, fmt.Errorf("decoding receipt: %w", err)
	}
	return receipt, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func decodeBody(body io.Reader, target any) error {
	raw, err := io.ReadAll(io.LimitReader(body, 1<<20))
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	return json.Unmarshal(raw, target)
}
