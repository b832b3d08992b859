// Package cluster provides the core wire types for the node.
// See doc.go for complete package documentation.
package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// NodeInfo identifies a cluster member on the global ring: a node reachable
// at IP, contributing replication at Port. The global ring hashes Addr()
// ("ip:port").
type NodeInfo struct {
	// LastHealthCheck records when the node was last checked by the
	// coordinator's health monitor. Zero value: never checked.
	LastHealthCheck time.Time `json:"last_health_check,omitempty"`

	// IP is the node's address; with Port it forms the global ring's hash
	// input.
	IP string `json:"ip"`

	// Port is the node's client-facing base port; a worker at index i
	// listens for client requests on Port+i.
	Port int `json:"port"`

	// Status is the node's last-observed health: "healthy", "unhealthy",
	// or "unknown" before the first check.
	Status string `json:"status,omitempty"`
}

// Addr returns the "ip:port" form used as the node's identifier on the
// global ring and in HTTP URLs.
func (n NodeInfo) Addr() string {
	return n.IP + ":" + strconv.Itoa(n.Port)
}

// ParseNodeInfo is Addr's inverse: it recovers a NodeInfo from a global
// ring member's "ip:port" identifier, for callers (health monitoring,
// seed-address bootstrapping) that only ever see the ring's string form.
func ParseNodeInfo(addr string) (NodeInfo, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return NodeInfo{}, fmt.Errorf("cluster: parse node address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return NodeInfo{}, fmt.Errorf("cluster: parse node address %q: %w", addr, err)
	}
	return NodeInfo{IP: host, Port: port}, nil
}

// WorkerInfo identifies a storage worker within a node: the local ring
// hashes IP + ":" + Index.
type WorkerInfo struct {
	IP    string `json:"ip"`
	Index int    `json:"index"`
}

// ID returns the local-ring identifier "ip:worker_index".
func (w WorkerInfo) ID() string {
	return w.IP + ":" + strconv.Itoa(w.Index)
}

// ClientAddr returns the address clients use to reach this worker
// directly, given the node's base client port.
func (w WorkerInfo) ClientAddr(basePort int) string {
	return w.IP + ":" + strconv.Itoa(basePort+w.Index)
}

// GossipAddr returns the address peers use to push distributed gossip to
// this worker.
func (w WorkerInfo) GossipAddr(basePort int) string {
	return w.IP + ":" + strconv.Itoa(basePort+100+w.Index)
}

// RegisterRequest is sent by a joining node to every existing member's
// /node-join endpoint, and by a departing node to every remaining
// member's /node-depart endpoint.
type RegisterRequest struct {
	Node NodeInfo `json:"node"`
}

// httpClient is the shared HTTP client used for all cluster communication.
// It's configured with a 5-second timeout to prevent hanging on unresponsive
// nodes and to enable quick failure detection.
//
// Performance characteristics:
//   - Connection pooling enabled by default
//   - Maximum of 100 idle connections
//   - Idle connection timeout of 90 seconds
//   - Supports HTTP/2 when available
//
// Note: This is a package-level variable to enable connection reuse
// across multiple requests, improving performance.
var httpClient = &http.Client{Timeout: 5 * time.Second}

// PostJSON sends a JSON-encoded POST request to the specified URL and
// decodes the JSON response into the provided output structure.
//
// This function is the primary mechanism for node-to-node and
// node-to-coordinator communication in the cluster, handling:
//   - Request body JSON encoding
//   - Context-based cancellation
//   - Response status validation
//   - Response body JSON decoding
//
// Parameters:
//   - ctx: Context for request cancellation and timeout control.
//     Should have a deadline set for production use.
//   - url: Complete URL to send the request to.
//     Example: "http://coordinator:8080/cluster/register"
//   - body: Go structure to be JSON-encoded as request body.
//     Must be JSON-serializable (exported fields, valid types).
//   - out: Pointer to structure for JSON response decoding.
//     Pass nil if response body should be ignored.
//
// Returns:
//   - nil on success (HTTP 2xx status and successful decode if out != nil)
//   - Error on failure, which may be:
//   - JSON marshaling error (invalid body structure)
//   - Network error (connection failure, timeout)
//   - HTTP error (non-2xx status code)
//   - JSON unmarshaling error (invalid response format)
//
// Thread Safety:
// This function is thread-safe and can be called concurrently.
// The shared httpClient handles connection pooling safely.
//
// Example:
//
//	req := &RegisterRequest{Node: NodeInfo{IP: "10.0.0.5", Port: 8081}}
//	var resp NodeInfo
//	err := PostJSON(ctx, "http://coordinator:8080/node-join", req, &resp)
//	if err != nil {
//	    log.Printf("Registration failed: %v", err)
//	}
func PostJSON(ctx context.Context, url string, body, out any) error {
	// Marshal request body to JSON
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}

	// Create HTTP request with context for cancellation
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	// Execute request using shared client
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// Check for HTTP errors (status >= 300)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}

	// Skip decoding if caller doesn't want response
	if out == nil {
		return nil
	}

	// Decode JSON response into output structure
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetJSON sends a GET request to the specified URL and decodes the
// JSON response into the provided output structure.
//
// cmd/node uses it to fetch a seed node's global-ring membership
// (GET /seed) when joining through a seed.
//
// Parameters:
//   - ctx: Context for request cancellation and timeout control.
//     Should have a deadline set to prevent indefinite waits.
//   - url: Complete URL to send the request to.
//     Example: "http://node1:8081/health"
//   - out: Pointer to structure for JSON response decoding.
//     The structure should match the expected response format.
//
// Returns:
//   - nil on success (HTTP 2xx status and successful decode)
//   - Error on failure, which may be:
//   - Network error (connection failure, DNS resolution, timeout)
//   - HTTP error (non-2xx status code)
//   - JSON unmarshaling error (response doesn't match out structure)
//
// Thread Safety:
// This function is thread-safe and can be called concurrently.
// Multiple goroutines can safely make GET requests simultaneously.
//
// Performance Notes:
//   - Uses connection pooling for efficiency
//   - Streams response body (doesn't buffer entirely in memory)
//   - Suitable for responses up to several MB
//   - For large responses, consider streaming or pagination
//
// Example:
//
//	var health HealthStatus
//	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
//	defer cancel()
//	err := GetJSON(ctx, "http://node1:8081/health", &health)
//	if err != nil {
//	    log.Printf("Health check failed: %v", err)
//	}
func GetJSON(ctx context.Context, url string, out any) error {
	// Create HTTP request with context
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return err
	}

	// Execute request using shared client
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// Check for HTTP errors
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}

	// Decode JSON response
	return json.NewDecoder(resp.Body).Decode(out)
}
