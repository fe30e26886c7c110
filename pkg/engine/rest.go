package engine

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/nodewarden/nodewarden/pkg/types"
)

const (
	// The engine serves its JSON control API on the node's API port and
	// the standard gRPC health service one port above it.
	healthPortOffset = 1

	defaultRequestTimeout = 15 * time.Second
)

// RESTClient talks to one engine's JSON control API. Liveness pings go
// through the engine's gRPC health service instead of the REST surface so
// a wedged HTTP handler does not masquerade as a healthy engine.
type RESTClient struct {
	baseURL string
	http    *http.Client
	conn    *grpc.ClientConn
	health  healthpb.HealthClient
}

// Dial connects to the engine control API of the given node
func Dial(node *types.Node) (Client, error) {
	addr := fmt.Sprintf("%s:%d", node.Address, node.APIPort)
	healthAddr := fmt.Sprintf("%s:%d", node.Address, node.APIPort+healthPortOffset)

	conn, err := grpc.NewClient(healthAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
	)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}

	transport := &http.Transport{
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	scheme := "http://"
	if node.CertFingerprint != "" {
		// The control endpoint presents a self-signed certificate; trust is
		// pinned to the fingerprint recorded at node registration.
		transport.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: true,
			VerifyConnection:   pinVerifier(node.CertFingerprint),
		}
		scheme = "https://"
	}

	return &RESTClient{
		baseURL: scheme + addr,
		http: &http.Client{
			Transport: transport,
			Timeout:   defaultRequestTimeout,
		},
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
	}, nil
}

// ApplyConfig replaces the engine's full configuration document
func (c *RESTClient) ApplyConfig(ctx context.Context, cfg *types.EngineConfig) error {
	var ack struct {
		Ready bool `json:"ready"`
	}
	if err := c.do(ctx, http.MethodPut, "/config", cfg, &ack); err != nil {
		return err
	}
	if !ack.Ready {
		return &ProtocolError{Op: "apply config", Status: http.StatusOK, Detail: "engine did not acknowledge ready"}
	}
	return nil
}

// ApplyDelta applies an incremental credential change
func (c *RESTClient) ApplyDelta(ctx context.Context, delta *Delta) error {
	if delta.Empty() {
		return nil
	}
	return c.do(ctx, http.MethodPost, "/users/delta", delta, nil)
}

// QueryStats returns per-user traffic counters since the engine started
func (c *RESTClient) QueryStats(ctx context.Context) ([]types.TrafficStat, error) {
	var out struct {
		Stats []types.TrafficStat `json:"stats"`
	}
	if err := c.do(ctx, http.MethodGet, "/stats/users", nil, &out); err != nil {
		return nil, err
	}
	return out.Stats, nil
}

// State queries what the engine is currently running
func (c *RESTClient) State(ctx context.Context) (*State, error) {
	var st State
	if err := c.do(ctx, http.MethodGet, "/state", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Ping probes the engine's gRPC health service
func (c *RESTClient) Ping(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return &TransportError{Op: "ping", Err: err}
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		return &ProtocolError{Op: "ping", Detail: fmt.Sprintf("engine health status %s", resp.Status)}
	}
	return nil
}

// Close releases the control connection
func (c *RESTClient) Close() error {
	c.http.CloseIdleConnections()
	return c.conn.Close()
}

// do executes one JSON request/response cycle against the control API
func (c *RESTClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	op := method + " " + path

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrResourceExhausted
	case resp.StatusCode >= 500:
		// Engine-side failures are treated like transport errors: the
		// engine may be mid-restart and the operation is safe to retry.
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &TransportError{Op: op, Err: fmt.Errorf("status %d: %s", resp.StatusCode, detail)}
	case resp.StatusCode >= 400:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &ProtocolError{Op: op, Status: resp.StatusCode, Detail: string(detail)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &ProtocolError{Op: op, Status: resp.StatusCode, Detail: fmt.Sprintf("bad response body: %v", err)}
		}
	}
	return nil
}
