package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"Richee/internal/host"
	"Richee/internal/ledger"
	"Richee/internal/types"
)

// defaultTimeout bounds every HTTP request.
const defaultTimeout = 30 * time.Second

// Client talks to a ledger node over HTTP.
type Client struct {
	base   string       // base is the node URL, e.g. "http://127.0.0.1:8080"
	ledger types.Hash   // ledger is the id of the ledger the node serves
	http   *http.Client // http performs requests
}

// Receipt describes a committed transaction.
type Receipt struct {
	Hash   types.Hash   `json:"hash"`
	Seq    uint64       `json:"seq"`
	Events []host.Event `json:"events"`
}

// Result is the finalization state of a ledger.
type Result struct {
	Finalized  bool               `json:"finalized"`
	Pending    *types.Hash        `json:"pending,omitempty"`
	Comparison *ledger.Comparison `json:"result,omitempty"`
}

// Submission tells whether a participant has submitted.
type Submission struct {
	Address   types.Address `json:"address"`
	Submitted bool          `json:"submitted"`
	Handle    types.Handle  `json:"handle"`
}

// New creates a client for the node at nodeAddr (host:port or URL) and
// fetches the id of the ledger it serves.
func New(ctx context.Context, nodeAddr string) (*Client, error) {
	base := nodeAddr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}

	c := &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: defaultTimeout},
	}

	status, err := c.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("get status:\n%w", err)
	}

	c.ledger = status.ID

	return c, nil
}

// Ledger returns the id of the ledger the node serves.
func (c *Client) Ledger() types.Hash {
	return c.ledger
}

// Status returns the ledger status.
func (c *Client) Status(ctx context.Context) (ledger.Status, error) {
	var s ledger.Status
	err := c.get(ctx, "/status", &s)

	return s, err
}

// Config returns the ledger configuration, checked against the ledger id.
func (c *Client) Config(ctx context.Context) (ledger.Config, error) {
	var cfg ledger.Config
	if err := c.get(ctx, "/config", &cfg); err != nil {
		return ledger.Config{}, err
	}

	id, err := cfg.ID()
	if err != nil {
		return ledger.Config{}, err
	}

	if id != c.ledger {
		return ledger.Config{}, fmt.Errorf("%w: config hashes to %s, node serves %s", ledger.ErrInvalidConfig, id.Short(), c.ledger.Short())
	}

	return cfg, nil
}

// Participants returns the registered participants in priority order.
func (c *Client) Participants(ctx context.Context) ([]types.Address, error) {
	var resp struct {
		Participants []types.Address `json:"participants"`
	}

	if err := c.get(ctx, "/participants", &resp); err != nil {
		return nil, err
	}

	return resp.Participants, nil
}

// Submission returns the submission state of addr.
func (c *Client) Submission(ctx context.Context, addr types.Address) (Submission, error) {
	var s Submission
	err := c.get(ctx, "/submitted/"+addr.String(), &s)

	return s, err
}

// Result returns the ledger result, if finalized.
func (c *Client) Result(ctx context.Context) (Result, error) {
	var r Result
	err := c.get(ctx, "/result", &r)

	return r, err
}

// Events returns up to limit ledger events with id > after.
func (c *Client) Events(ctx context.Context, after uint64, limit int) ([]host.Event, error) {
	var resp struct {
		Events []host.Event `json:"events"`
	}

	path := fmt.Sprintf("/events?after=%d&limit=%d", after, limit)
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}

	return resp.Events, nil
}

// Snapshot downloads the node's latest state snapshot.
func (c *Client) Snapshot(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/snapshot", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET /snapshot:\n%w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}

	return io.ReadAll(resp.Body)
}
