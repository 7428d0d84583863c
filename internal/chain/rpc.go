package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"alphaflow/internal/models"
	"alphaflow/logger"
)

// JSON-RPC error codes surfaced by the archive gateway.
const (
	codeStateDiscarded  = -32001
	codeModuleMissing   = -32601
	defaultCallTimeout  = 15 * time.Second
	defaultWriteTimeout = 5 * time.Second

	// A timestamp result is a single epoch-millis int64 on the wire.
	timestampPayloadBytes = 8
)

// RPCOptions configures a websocket RPC connection to the archive gateway.
type RPCOptions struct {
	Endpoint    string
	CallTimeout time.Duration
	// RequestsPerSecond smooths the probe rate so binary searches do not
	// hammer the node. Zero disables limiting.
	RequestsPerSecond float64
	Burst             int
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      uint64      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// RPCClient speaks JSON-RPC over a single websocket connection. Calls are
// serialized per connection; concurrency comes from dialing one client per
// worker, not from multiplexing.
type RPCClient struct {
	endpoint string
	conn     *websocket.Conn
	timeout  time.Duration
	limiter  *rate.Limiter
	log      *logger.Log

	mu     sync.Mutex
	nextID uint64
	closed atomic.Bool
}

// Dial connects to the archive gateway at opts.Endpoint.
func Dial(ctx context.Context, opts RPCOptions) (*RPCClient, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("chain: endpoint is required")
	}
	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}

	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := dialer.DialContext(ctx, opts.Endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", opts.Endpoint, err)
	}

	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	c := &RPCClient{
		endpoint: opts.Endpoint,
		conn:     conn,
		timeout:  timeout,
		limiter:  limiter,
		log:      logger.GetLogger(),
	}
	c.log.WithComponent("chain_rpc").WithFields(logger.Fields{
		"endpoint": opts.Endpoint,
		"timeout":  timeout.String(),
	}).Debug("connected to archive gateway")
	return c, nil
}

// NewDialer returns a Dialer that opens a fresh connection with the same
// options for every call.
func NewDialer(opts RPCOptions) Dialer {
	return func(ctx context.Context) (Client, error) {
		return Dial(ctx, opts)
	}
}

func (c *RPCClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	if c.closed.Load() {
		return ErrDisconnected
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %s", ErrTimeout, method)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	req := rpcRequest{JSONRPC: "2.0", ID: c.nextID, Method: method, Params: params}

	deadline := time.Now().Add(defaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteJSON(req); err != nil {
		c.markBroken()
		return fmt.Errorf("%w: write %s: %v", ErrDisconnected, method, err)
	}

	readDeadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(readDeadline) {
		readDeadline = d
	}
	_ = c.conn.SetReadDeadline(readDeadline)

	for {
		var resp rpcResponse
		if err := c.conn.ReadJSON(&resp); err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return fmt.Errorf("%w: %s", ErrTimeout, method)
			}
			c.markBroken()
			return fmt.Errorf("%w: read %s: %v", ErrDisconnected, method, err)
		}
		if resp.ID != req.ID {
			// Stale reply from a timed-out predecessor; drop it.
			continue
		}
		if resp.Error != nil {
			switch resp.Error.Code {
			case codeStateDiscarded, codeModuleMissing:
				return fmt.Errorf("%w: %s: %s", ErrUnavailable, method, resp.Error.Message)
			default:
				return fmt.Errorf("chain: %s: rpc error %d: %s", method, resp.Error.Code, resp.Error.Message)
			}
		}
		if string(resp.Result) == "null" {
			return fmt.Errorf("%w: %s returned null", ErrUnavailable, method)
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("chain: %s: decode result: %w", method, err)
		}
		return nil
	}
}

// CurrentHeight implements Client.
func (c *RPCClient) CurrentHeight(ctx context.Context) (int64, error) {
	var height int64
	if err := c.call(ctx, "chain_currentHeight", nil, &height); err != nil {
		return 0, err
	}
	return height, nil
}

// BlockTimestamp implements Client. The gateway reports the timestamp
// inherent in epoch milliseconds.
func (c *RPCClient) BlockTimestamp(ctx context.Context, height int64) (time.Time, error) {
	var millis int64
	params := map[string]int64{"height": height}
	if err := c.call(ctx, "chain_blockTimestamp", params, &millis); err != nil {
		return time.Time{}, err
	}
	logger.IncrementProbe(timestampPayloadBytes)
	return time.UnixMilli(millis).UTC(), nil
}

type subnetPriceResult struct {
	Netuid int      `json:"netuid"`
	Price  *float64 `json:"price_tao_per_alpha"`
}

// SubnetPrices implements Client.
func (c *RPCClient) SubnetPrices(ctx context.Context, height int64) (map[int]*float64, error) {
	var rows []subnetPriceResult
	params := map[string]int64{"height": height}
	if err := c.call(ctx, "subnet_pricesAt", params, &rows); err != nil {
		return nil, err
	}
	logger.IncrementSnapshotRead(len(rows))
	prices := make(map[int]*float64, len(rows))
	for _, row := range rows {
		prices[row.Netuid] = row.Price
	}
	// Root subnet trades at par with TAO.
	if _, ok := prices[0]; !ok {
		one := 1.0
		prices[0] = &one
	}
	return prices, nil
}

// SubnetEmissions implements Client.
func (c *RPCClient) SubnetEmissions(ctx context.Context, height int64) ([]models.SubnetEmission, error) {
	var rows []models.SubnetEmission
	params := map[string]int64{"height": height}
	if err := c.call(ctx, "subnet_emissionsAt", params, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Close implements Client.
func (c *RPCClient) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}

func (c *RPCClient) markBroken() {
	if !c.closed.Swap(true) {
		_ = c.conn.Close()
	}
}
