// Package govapi is the REST client for the government services booking
// backend: authentication, department/service catalogue and slot snapshots.
package govapi

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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wolfman30/govbook/internal/auth"
	"github.com/wolfman30/govbook/internal/queue"
	"github.com/wolfman30/govbook/pkg/logging"
)

const defaultTimeout = 15 * time.Second

var apiTracer = otel.Tracer("govbook.internal.govapi")

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api returned %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps 401/403 to auth.ErrAuth so callers can prompt for login.
func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden {
		return auth.ErrAuth
	}
	return nil
}

// Client wraps the backend REST API. Calls made with a token source attach
// the bearer token when one is available.
type Client struct {
	httpClient *http.Client
	baseURL    string
	tokens     auth.TokenSource
	logger     *logging.Logger
}

// NewClient constructs a client for baseURL (including the /api prefix).
// tokens may be nil for unauthenticated use.
func NewClient(baseURL string, tokens auth.TokenSource, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.Default()
	}
	return &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		tokens:     tokens,
		logger:     logger,
	}
}

// Login starts the OTP flow for a national identity card number and phone.
func (c *Client) Login(ctx context.Context, nic, phone string) (*LoginResponse, error) {
	if strings.TrimSpace(nic) == "" || strings.TrimSpace(phone) == "" {
		return nil, errors.New("login: nic and phone required")
	}
	var resp LoginResponse
	body := map[string]string{"nic": nic, "phone": phone}
	if err := c.doJSON(ctx, "govapi.login", http.MethodPost, "/auth/login", body, &resp); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	return &resp, nil
}

func (c *Client) Signup(ctx context.Context, req SignupRequest) (*SignupResponse, error) {
	if err := req.validate(); err != nil {
		return nil, fmt.Errorf("signup: %w", err)
	}
	var resp SignupResponse
	if err := c.doJSON(ctx, "govapi.signup", http.MethodPost, "/auth/signup", req, &resp); err != nil {
		return nil, fmt.Errorf("signup: %w", err)
	}
	return &resp, nil
}

// VerifyOTP exchanges the one-time password for a bearer token.
func (c *Client) VerifyOTP(ctx context.Context, userID, otp string) (*VerifyOTPResponse, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(otp) == "" {
		return nil, errors.New("verify otp: user id and otp required")
	}
	var resp VerifyOTPResponse
	body := map[string]string{"userId": userID, "otp": otp}
	if err := c.doJSON(ctx, "govapi.verify_otp", http.MethodPost, "/auth/verify-otp", body, &resp); err != nil {
		return nil, fmt.Errorf("verify otp: %w", err)
	}
	if resp.Token == "" {
		return nil, fmt.Errorf("verify otp: %w", auth.ErrAuth)
	}
	return &resp, nil
}

func (c *Client) GetDepartments(ctx context.Context) ([]Department, error) {
	var departments []Department
	if err := c.doJSON(ctx, "govapi.departments", http.MethodGet, "/departments", nil, &departments); err != nil {
		return nil, fmt.Errorf("get departments: %w", err)
	}
	return departments, nil
}

func (c *Client) GetService(ctx context.Context, serviceID string) (*Service, error) {
	path := "/services/" + url.PathEscape(serviceID)
	var svc Service
	if err := c.doJSON(ctx, "govapi.service", http.MethodGet, path, nil, &svc); err != nil {
		return nil, fmt.Errorf("get service: %w", err)
	}
	if svc.ID == "" {
		svc.ID = serviceID
	}
	return &svc, nil
}

// GetSlots fetches the slot snapshot for a service on date (YYYY-MM-DD).
// The backend returns either a bare array or {"slots": [...]}.
func (c *Client) GetSlots(ctx context.Context, serviceID, date string) ([]queue.Slot, error) {
	q := url.Values{}
	q.Set("date", date)
	path := fmt.Sprintf("/appointments/%s/slots?%s", url.PathEscape(serviceID), q.Encode())

	var raw json.RawMessage
	if err := c.doJSON(ctx, "govapi.slots", http.MethodGet, path, nil, &raw); err != nil {
		return nil, fmt.Errorf("get slots: %w", err)
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var slots []queue.Slot
		if err := json.Unmarshal(trimmed, &slots); err != nil {
			return nil, fmt.Errorf("get slots: decode response: %w", err)
		}
		return slots, nil
	}
	var wrapped struct {
		Slots []queue.Slot `json:"slots"`
		Data  []queue.Slot `json:"data"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, fmt.Errorf("get slots: decode response: %w", err)
	}
	if len(wrapped.Slots) > 0 {
		return wrapped.Slots, nil
	}
	return wrapped.Data, nil
}

func (c *Client) doJSON(ctx context.Context, spanName, method, path string, body interface{}, out interface{}) error {
	ctx, span := apiTracer.Start(ctx, spanName)
	defer span.End()
	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("govbook.path", path),
	)

	err := c.do(ctx, method, path, body, out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	endpoint := c.baseURL + path

	var bodyReader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		if token, err := c.tokens.Token(ctx); err == nil && token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: errorMessage(respBody, resp.Status)}
		c.logger.Warn("govapi non-2xx response", "status", resp.StatusCode, "path", path, "message", apiErr.Message)
		return apiErr
	}

	if len(respBody) == 0 || out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

const maxErrorRunes = 300

// errorMessage prefers the JSON "message" field, then the raw body.
func errorMessage(body []byte, status string) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return status
	}
	if r := []rune(msg); len(r) > maxErrorRunes {
		msg = string(r[:maxErrorRunes])
	}
	return msg
}
