package kaspifeed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Client talks to the Kaspi merchant JSON:API. A fixed-tick limiter spaces
// every outgoing request; the marketplace throttles merchants that burst.
type Client struct {
	baseURL     string
	authToken   string
	contentType string
	userAgent   string
	logger      *logrus.Logger
	http        *http.Client
	limiter     <-chan time.Time
}

func NewClientFromEnv(logger *logrus.Logger) (*Client, error) {
	baseURL := strings.TrimSpace(os.Getenv("KASPI_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://kaspi.kz/shop/api/v2"
	}
	authToken := strings.TrimSpace(os.Getenv("KASPI_AUTH_TOKEN"))
	if authToken == "" {
		return nil, errors.New("kaspi auth token is empty")
	}
	contentType := strings.TrimSpace(os.Getenv("KASPI_CONTENT_TYPE"))
	if contentType == "" {
		contentType = "application/vnd.api+json"
	}
	userAgent := strings.TrimSpace(os.Getenv("KASPI_USER_AGENT"))

	intervalMs := int64(300)
	if v := strings.TrimSpace(os.Getenv("KASPI_REQUEST_INTERVAL_MS")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			intervalMs = n
		}
	}

	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		authToken:   authToken,
		contentType: contentType,
		userAgent:   userAgent,
		logger:      logger,
		http:        &http.Client{Timeout: 30 * time.Second},
		limiter:     time.Tick(time.Duration(intervalMs) * time.Millisecond),
	}, nil
}

type ordersResponse struct {
	Data []Order `json:"data"`
}

type entriesResponse struct {
	Data []LineItem `json:"data"`
}

// FetchOrders pulls one page of orders matching the query.
func (c *Client) FetchOrders(ctx context.Context, q FeedQuery) ([]Order, error) {
	params := url.Values{}
	params.Set("page[number]", "0")
	params.Set("page[size]", strconv.Itoa(q.PageSize))
	params.Set("filter[orders][state]", q.State)
	params.Set("filter[orders][status]", q.Status)
	params.Set("filter[orders][creationDate][$ge]", q.FromMs)
	params.Set("filter[orders][creationDate][$le]", q.ToMs)

	body, err := c.get(ctx, "/orders", params)
	if err != nil {
		return nil, err
	}

	var parsed ordersResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}
	return parsed.Data, nil
}

// FetchLineItems pulls the sold entries of one order.
func (c *Client) FetchLineItems(ctx context.Context, orderId string) ([]LineItem, error) {
	body, err := c.get(ctx, "/orders/"+url.PathEscape(orderId)+"/entries", nil)
	if err != nil {
		return nil, err
	}

	var parsed entriesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}
	return parsed.Data, nil
}

// AcceptOrder flips a bank-approved order to ACCEPTED_BY_MERCHANT.
// The marketplace answers 200/201 on success; any other status is reported
// as (false, nil) with the body logged, so callers retry on their own
// schedule instead of treating a rejection as an infrastructure failure.
func (c *Client) AcceptOrder(ctx context.Context, orderId string, orderCode string) (bool, error) {
	payload := orderMutation{Data: orderMutationData{
		Type: "orders",
		ID:   orderId,
		Attributes: map[string]interface{}{
			"code":   orderCode,
			"status": StatusAcceptedByMerchant,
		},
	}}
	return c.postOrderMutation(ctx, orderId, "accept", payload)
}

// CreateInvoice asks the marketplace to move the order to ASSEMBLE with the
// given package count. Same (ok, err) contract as AcceptOrder.
func (c *Client) CreateInvoice(ctx context.Context, orderId string, packageCount int) (bool, error) {
	if packageCount <= 0 {
		packageCount = 1
	}
	payload := orderMutation{Data: orderMutationData{
		Type: "orders",
		ID:   orderId,
		Attributes: map[string]interface{}{
			"status":        StatusAssemble,
			"numberOfSpace": strconv.Itoa(packageCount),
		},
	}}
	return c.postOrderMutation(ctx, orderId, "invoice", payload)
}

type orderMutation struct {
	Data orderMutationData `json:"data"`
}

type orderMutationData struct {
	Type       string                 `json:"type"`
	ID         string                 `json:"id"`
	Attributes map[string]interface{} `json:"attributes"`
}

func (c *Client) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	<-c.limiter
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}

func (c *Client) postOrderMutation(ctx context.Context, orderId string, action string, payload orderMutation) (bool, error) {
	<-c.limiter
	body, err := json.Marshal(payload)
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/orders", bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		return true, nil
	}

	c.logger.WithFields(logrus.Fields{
		"order_id":    orderId,
		"action":      action,
		"status_code": resp.StatusCode,
		"body":        strings.TrimSpace(string(respBody)),
	}).Warn("kaspi order mutation rejected")
	return false, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", c.contentType)
	req.Header.Set("X-Auth-Token", c.authToken)
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
}
