package mcp_host

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"mcp_gateway/backend/go/internal/models"
	"mcp_gateway/backend/go/pkg/circuitbreaker"
	"mcp_gateway/backend/go/pkg/logger"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// ConnectOptions 定义了连接到上游 MCP 服务端的配置项
type ConnectOptions struct {
	ServerName       string
	TransportType    string // "stdio", "http-sse" or "httpstream"
	Command          string
	Args             []string
	URL              string
	Env              []string
	DiscoveryService string // resolved through the Resolver when set
}

// Dialer opens a started, not yet initialized MCP client.
type Dialer func(ctx context.Context, opts ConnectOptions) (*client.Client, error)

// Resolver looks up the URL of a registered service.
type Resolver interface {
	Resolve(ctx context.Context, service string) (string, error)
}

// ArgumentMapper turns a WorkRequest into the upstream tool name and arguments.
type ArgumentMapper func(req models.WorkRequest) (string, map[string]any)

// Option customizes a DelegationClient.
type Option func(*DelegationClient)

// WithDialer replaces the transport dialer. Tests dial in-process servers.
func WithDialer(d Dialer) Option {
	return func(c *DelegationClient) { c.dial = d }
}

// WithResolver enables service discovery for ConnectOptions.DiscoveryService.
func WithResolver(r Resolver) Option {
	return func(c *DelegationClient) { c.resolver = r }
}

// WithBreaker guards the upstream with a circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *DelegationClient) { c.breaker = b }
}

// WithArgumentMapper replaces the default mapping, which calls the tool named
// after the operation with the request parameters as arguments.
func WithArgumentMapper(m ArgumentMapper) Option {
	return func(c *DelegationClient) { c.mapArgs = m }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(c *DelegationClient) { c.logger = l }
}

// DelegationClient forwards work requests to one upstream MCP server as
// tools/call requests. It connects lazily and never retries; a broken
// connection is dropped and re-dialed on the next call.
type DelegationClient struct {
	opts     ConnectOptions
	dial     Dialer
	resolver Resolver
	breaker  *circuitbreaker.Breaker
	mapArgs  ArgumentMapper
	logger   *logger.Logger

	// connections outlive the calls that open them
	baseCtx context.Context
	cancel  context.CancelFunc

	mu        sync.Mutex
	conn      *client.Client
	requestID atomic.Int64
}

// NewDelegationClient creates a client for the upstream described by opts.
func NewDelegationClient(opts ConnectOptions, options ...Option) *DelegationClient {
	ctx, cancel := context.WithCancel(context.Background())
	c := &DelegationClient{
		opts:    opts,
		dial:    dialTransport,
		mapArgs: defaultArguments,
		logger:  logger.Nop(),
		baseCtx: ctx,
		cancel:  cancel,
	}
	for _, o := range options {
		o(c)
	}
	return c
}

func defaultArguments(req models.WorkRequest) (string, map[string]any) {
	return req.Operation(), req.Params().Map()
}

// Invoke calls the upstream with req, bounded by timeout (zero means only
// ctx bounds the call). The returned value is the decoded JSON result of the
// tools/call response, unvalidated. Every error is a *DelegationError.
// A plain cancellation of ctx is not recorded as an upstream failure.
func (c *DelegationClient) Invoke(ctx context.Context, req models.WorkRequest, timeout time.Duration) (any, error) {
	if c.breaker != nil && !c.breaker.Allow() {
		return nil, newError(CauseUnavailable, circuitbreaker.ErrCircuitOpen)
	}
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	raw, err := c.invoke(callCtx, req)
	if c.breaker != nil && !callerCancelled(ctx, err) {
		c.breaker.Record(err == nil)
	}
	if err != nil {
		c.logger.WithError(models.ErrorInfo{Message: err.Error(), Type: string(CauseOf(err))}).
			WithField("operation", req.Operation()).
			Warn("delegation failed")
		return nil, err
	}
	return raw, nil
}

// callerCancelled reports whether err only reflects the caller giving up.
// A cancellation carrying a cause of its own, such as a timeout, is not one.
func callerCancelled(ctx context.Context, err error) bool {
	return err != nil && ctx.Err() != nil && errors.Is(context.Cause(ctx), context.Canceled)
}

func (c *DelegationClient) invoke(ctx context.Context, req models.WorkRequest) (any, error) {
	conn, err := c.session(ctx)
	if err != nil {
		return nil, classify(err, CauseUnavailable)
	}

	name, args := c.mapArgs(req)
	rpc := transport.JSONRPCRequest{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      mcp.NewRequestId(fmt.Sprintf("gw-%d", c.requestID.Add(1))),
		Method:  string(mcp.MethodToolsCall),
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}

	type reply struct {
		resp *transport.JSONRPCResponse
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		resp, err := conn.GetTransport().SendRequest(ctx, rpc)
		done <- reply{resp, err}
	}()

	var r reply
	select {
	case r = <-done:
	case <-ctx.Done():
		return nil, classify(ctx.Err(), CauseUnavailable)
	}

	if r.err != nil {
		if ctx.Err() != nil {
			return nil, classify(ctx.Err(), CauseUnavailable)
		}
		c.drop(conn)
		return nil, newError(CauseUnavailable, r.err)
	}
	return decodeResult(r.resp)
}

func decodeResult(resp *transport.JSONRPCResponse) (any, error) {
	if resp == nil {
		return nil, newError(CauseProtocol, errors.New("empty response"))
	}
	if resp.Error != nil {
		return nil, newError(CauseProtocol, fmt.Errorf("rpc error %d: %s", resp.Error.Code, resp.Error.Message))
	}
	if len(bytes.TrimSpace(resp.Result)) == 0 {
		return nil, newError(CauseProtocol, errors.New("response carries no result"))
	}

	dec := json.NewDecoder(bytes.NewReader(resp.Result))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, newError(CauseProtocol, fmt.Errorf("undecodable result: %w", err))
	}
	return out, nil
}

// session returns the live connection, dialing and initializing it first
// when needed.
func (c *DelegationClient) session(ctx context.Context) (*client.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}

	opts := c.opts
	if opts.DiscoveryService != "" && c.resolver != nil {
		url, err := c.resolver.Resolve(ctx, opts.DiscoveryService)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve upstream '%s': %w", opts.DiscoveryService, err)
		}
		opts.URL = url
	}

	conn, err := c.dial(c.baseCtx, opts)
	if err != nil {
		return nil, err
	}

	// 初始化客户端连接
	initRequest := mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    "mcp-gateway",
				Version: "1.0.0",
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	}
	if _, err := conn.Initialize(ctx, initRequest); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize client: %w", err)
	}

	c.logger.WithPayload(map[string]interface{}{
		"server":    opts.ServerName,
		"transport": opts.TransportType,
	}).Info("connected to upstream")
	c.conn = conn
	return conn, nil
}

func (c *DelegationClient) drop(conn *client.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
		conn.Close()
	}
}

// Close closes the upstream connection.
func (c *DelegationClient) Close() error {
	c.cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func dialTransport(ctx context.Context, opts ConnectOptions) (*client.Client, error) {
	switch opts.TransportType {
	case "stdio":
		c, err := client.NewStdioMCPClient(opts.Command, opts.Env, opts.Args...)
		if err != nil {
			return nil, fmt.Errorf("failed to create stdio client: %w", err)
		}
		return c, nil
	case "http-sse":
		c, err := client.NewSSEMCPClient(opts.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create sse client: %w", err)
		}
		if err := c.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to start sse client: %w", err)
		}
		return c, nil
	case "httpstream":
		c, err := client.NewStreamableHttpClient(opts.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create streamable http client: %w", err)
		}
		if err := c.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to start streamable http client: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported transport type: '%s'", opts.TransportType)
	}
}
