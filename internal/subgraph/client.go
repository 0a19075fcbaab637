// Package subgraph fetches pool snapshots from the GraphQL indexer.
package subgraph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"poolScope/internal/derive"
	"poolScope/internal/model"
	"poolScope/internal/retry"
)

const poolByIDQuery = `
	query PoolById($poolCreatedId: ID!) {
		poolCreated(id: $poolCreatedId) {
			id
			name
			symbol
			sponsor
			purchaseToken
			purchaseTokenSymbol
			purchaseTokenDecimals
			purchaseTokenCap
			contributions
			totalSupply
			sponsorFee
			purchaseDuration
			duration
			purchaseExpiry
			timestamp
			dealAddress
			poolStatus
		}
	}
`

// Config holds per-chain endpoints and retry settings.
type Config struct {
	Endpoints    map[uint64]string
	APIKey       string
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

// Client queries the pool subgraph of each configured chain.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// FetchPoolByID returns the indexed snapshot of a pool, or nil when the
// indexer has no record for it.
func (c *Client) FetchPoolByID(ctx context.Context, chainID uint64, poolAddress string) (*model.RawPoolSnapshot, error) {
	endpoint, ok := c.cfg.Endpoints[chainID]
	if !ok || endpoint == "" {
		return nil, retry.Permanent(fmt.Errorf("subgraph: no endpoint for chain %d", chainID))
	}

	variables := map[string]any{
		"poolCreatedId": strings.ToLower(strings.TrimSpace(poolAddress)),
	}

	var data json.RawMessage
	err := retry.Do(ctx, c.cfg.MaxRetries, c.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		data, err = c.doQuery(ctx, endpoint, poolByIDQuery, variables)
		if err != nil {
			c.logger.Warn("subgraph query failed", zap.Uint64("chain_id", chainID), zap.String("pool", poolAddress), zap.Error(err))
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("subgraph: fetch pool %s: %w", poolAddress, err)
	}

	var result struct {
		PoolCreated *model.RawPoolSnapshot `json:"poolCreated"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, retry.Permanent(fmt.Errorf("subgraph: decode pool %s: %w", poolAddress, decodeError(err)))
	}
	return result.PoolCreated, nil
}

// decodeError reports a field whose value does not fit its type as
// malformed data.
func decodeError(err error) error {
	var typeErr *json.UnmarshalTypeError
	if !errors.As(err, &typeErr) {
		return err
	}
	field := strings.TrimPrefix(typeErr.Field, "poolCreated.")
	return &derive.MalformedError{Field: field, Value: typeErr.Value, Reason: fmt.Sprintf("does not fit %s", typeErr.Type)}
}

func (c *Client) doQuery(ctx context.Context, endpoint, query string, variables map[string]any) (json.RawMessage, error) {
	jsonBody, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("marshal graphql request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, retry.Permanent(err)
		}
		return nil, err
	}

	var gqlResp graphqlResponse
	if err := json.Unmarshal(body, &gqlResp); err != nil {
		return nil, retry.Permanent(fmt.Errorf("decode graphql response: %w", err))
	}
	if len(gqlResp.Errors) > 0 {
		return nil, retry.Permanent(fmt.Errorf("graphql error: %s", gqlResp.Errors[0].Message))
	}

	return gqlResp.Data, nil
}
