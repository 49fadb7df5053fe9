// Package remote is the HTTP client for the delivery backend's driver API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	apperrors "github.com/rxdelivery/driversync/internal/errors"
	"github.com/rxdelivery/driversync/internal/logging"
	"github.com/rxdelivery/driversync/internal/models"
)

// DefaultTimeout bounds a single request when no http.Client is supplied.
const DefaultTimeout = 15 * time.Second

// Client calls the backend REST API with a bearer token.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	log        *logging.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// NewClient creates a Client for the API rooted at baseURL,
// e.g. "https://api.example.com/api". tokens may be nil for unauthenticated use.
func NewClient(baseURL string, tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		log: logging.Get().Component("remote"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type statusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

type batchRequest struct {
	OrderIDs []int64             `json:"order_ids"`
	Proofs   []models.BatchProof `json:"proofs,omitempty"`
}

type locationRequest struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Accuracy  float64   `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
	Speed     *float64  `json:"speed,omitempty"`
	Heading   *float64  `json:"heading,omitempty"`
}

// UpdateStatus sets the status of an order.
func (c *Client) UpdateStatus(ctx context.Context, orderID int64, status string) error {
	return c.doJSON(ctx, http.MethodPatch, orderPath(orderID, "/status"), statusRequest{Status: status}, nil)
}

// RejectOrder cancels an order with an optional reason.
func (c *Client) RejectOrder(ctx context.Context, orderID int64, reason string) error {
	body := statusRequest{Status: models.StatusCancelled, Reason: reason}
	return c.doJSON(ctx, http.MethodPatch, orderPath(orderID, "/status"), body, nil)
}

// SubmitProofOfDelivery uploads the photo and/or signature of a delivery as
// multipart form data. Empty paths are skipped.
func (c *Client) SubmitProofOfDelivery(ctx context.Context, orderID int64, photoPath, signaturePath, notes string) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := addFilePart(w, "photo", photoPath); err != nil {
		return err
	}
	if err := addFilePart(w, "signature", signaturePath); err != nil {
		return err
	}
	if notes != "" {
		if err := w.WriteField("notes", notes); err != nil {
			return apperrors.Wrap(apperrors.ErrInternal, "write notes field", err)
		}
	}
	if err := w.Close(); err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "close multipart body", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, orderPath(orderID, "/proof-of-delivery"), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return c.do(req, nil)
}

// BatchPickup confirms pickup of several orders.
func (c *Client) BatchPickup(ctx context.Context, orderIDs []int64) (*models.BatchResult, error) {
	var res models.BatchResult
	if err := c.doJSON(ctx, http.MethodPost, "/orders/batch-pickup", batchRequest{OrderIDs: orderIDs}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// BatchDelivery confirms delivery of several orders.
func (c *Client) BatchDelivery(ctx context.Context, orderIDs []int64, proofs []models.BatchProof) (*models.BatchResult, error) {
	var res models.BatchResult
	body := batchRequest{OrderIDs: orderIDs, Proofs: proofs}
	if err := c.doJSON(ctx, http.MethodPost, "/orders/batch-delivery", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetOrder fetches the server's current view of an order.
func (c *Client) GetOrder(ctx context.Context, orderID int64) (*models.OrderSnapshot, error) {
	var order models.OrderSnapshot
	if err := c.doJSON(ctx, http.MethodGet, orderPath(orderID, ""), nil, &order); err != nil {
		return nil, err
	}
	if order.ID == 0 {
		order.ID = orderID
	}
	return &order, nil
}

// SendLocation reports one position fix.
func (c *Client) SendLocation(ctx context.Context, s *models.LocationSample) error {
	body := locationRequest{
		Lat:       s.Latitude,
		Lng:       s.Longitude,
		Accuracy:  s.Accuracy,
		Timestamp: s.Timestamp.UTC(),
		Speed:     s.Speed,
		Heading:   s.Heading,
	}
	return c.doJSON(ctx, http.MethodPost, "/drivers/location", body, nil)
}

// Health checks the backend. Any HTTP response, whatever its status, means
// the backend is reachable.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "build health request", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrNetwork, "health request failed", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

// Dispatch sends a queued action to its endpoint. Batch kinds return the
// per-order results reported by the server.
func (c *Client) Dispatch(ctx context.Context, a *models.QueuedAction) (*models.BatchResult, error) {
	switch a.Kind {
	case models.KindStatusUpdate:
		return nil, c.UpdateStatus(ctx, a.TargetOrderID, a.Payload.Status)
	case models.KindDeliveryComplete:
		return nil, c.SubmitProofOfDelivery(ctx, a.TargetOrderID, a.Payload.PhotoPath, a.Payload.SignaturePath, a.Payload.Notes)
	case models.KindRejection:
		return nil, c.RejectOrder(ctx, a.TargetOrderID, a.Payload.Reason)
	case models.KindBatchPickup:
		return c.BatchPickup(ctx, a.Payload.OrderIDs)
	case models.KindBatchDelivery:
		return c.BatchDelivery(ctx, a.Payload.OrderIDs, a.Payload.Proofs)
	default:
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("cannot dispatch action kind %q", a.Kind))
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInternal, "encode request body", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

// newRequest builds an authenticated request.
func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "build request", err)
	}
	req.Header.Set("Accept", "application/json")

	if c.tokens != nil {
		token, err := c.tokens.Token()
		if err != nil {
			return nil, err
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return req, nil
}

// do executes req and classifies the response: 404 is RESOURCE_NOT_FOUND,
// 401 is AUTH_EXPIRED and every other non-2xx or transport failure is
// NETWORK_ERROR.
func (c *Client) do(req *http.Request, out interface{}) error {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrNetwork, req.Method+" "+req.URL.Path+" failed", err)
	}
	defer resp.Body.Close()

	c.log.Debug("Backend request", map[string]interface{}{
		"method":   req.Method,
		"path":     req.URL.Path,
		"status":   resp.StatusCode,
		"duration": time.Since(start).String(),
	})

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		detail := fmt.Sprintf("%s %s returned %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(msg)))
		switch resp.StatusCode {
		case http.StatusNotFound:
			return apperrors.New(apperrors.ErrResourceNotFound, detail)
		case http.StatusUnauthorized:
			return apperrors.New(apperrors.ErrAuthExpired, detail)
		default:
			return apperrors.New(apperrors.ErrNetwork, detail)
		}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Wrap(apperrors.ErrNetwork, "decode "+req.URL.Path+" response", err)
	}
	return nil
}

// addFilePart attaches the file at path under field, typed by its content.
func addFilePart(w *multipart.Writer, field, path string) error {
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "read "+field+" file", err)
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filepath.Base(path)))
	h.Set("Content-Type", mimetype.Detect(data).String())

	part, err := w.CreatePart(h)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "create "+field+" part", err)
	}
	if _, err := part.Write(data); err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "write "+field+" part", err)
	}
	return nil
}

func orderPath(orderID int64, suffix string) string {
	return fmt.Sprintf("/orders/%d%s", orderID, suffix)
}
