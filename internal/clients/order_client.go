// internal/clients/order_client.go
package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"mlmledger/internal/commission"
)

// OrderClient reads orders from the order service over HTTP.
type OrderClient struct {
	baseURL string
	http    *http.Client
	tracer  trace.Tracer
}

func NewOrderClient(baseURL string) *OrderClient {
	return &OrderClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		tracer:  otel.Tracer("mlmledger/clients"),
	}
}

// GetOrder fetches one order. A 404 maps to commission.ErrOrderNotFound.
func (c *OrderClient) GetOrder(ctx context.Context, id uuid.UUID) (*commission.Order, error) {
	ctx, span := c.tracer.Start(ctx, "orders.get", trace.WithAttributes(attribute.String("order.id", id.String())))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/orders/%s", c.baseURL, id), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to fetch order: %w", err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, commission.ErrOrderNotFound
	default:
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var order commission.Order
	if err := json.NewDecoder(resp.Body).Decode(&order); err != nil {
		return nil, fmt.Errorf("failed to decode order: %w", err)
	}
	order.Status = commission.OrderStatus(strings.ToUpper(string(order.Status)))
	return &order, nil
}
