package im

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopmesh/shopmesh"
)

// HTTPGatewayClient pushes payloads to gateway nodes over their internal HTTP push
// endpoint. The gateway id resolves to a base URL through a static endpoint table;
// gateways register their endpoints at deploy time.
type HTTPGatewayClient struct {
	client    *http.Client
	endpoints map[string]string
}

func NewHTTPGatewayClient(endpoints map[string]string, timeout time.Duration) *HTTPGatewayClient {
	return &HTTPGatewayClient{
		client:    &http.Client{Timeout: timeout},
		endpoints: endpoints,
	}
}

// Push delivers the payload to the binding's device through the given gateway. A
// non-2xx response is Transient so the router's retry wrapper can have another go.
func (g *HTTPGatewayClient) Push(ctx context.Context, gatewayID string, b Binding, payload []byte) error {
	base, ok := g.endpoints[gatewayID]
	if !ok {
		return shopmesh.Error{Code: shopmesh.NotFound, Err: fmt.Errorf("no endpoint registered for gateway %s", gatewayID)}
	}
	url := fmt.Sprintf("%s/internal/push?user=%s&device=%s", base, b.UserID, b.DeviceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.client.Do(req)
	if err != nil {
		return shopmesh.Error{Code: shopmesh.Transient, Err: fmt.Errorf("push to gateway %s failed: %w", gatewayID, err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return shopmesh.Error{Code: shopmesh.Transient, Err: fmt.Errorf("gateway %s returned status %d", gatewayID, resp.StatusCode)}
	}
	return nil
}
