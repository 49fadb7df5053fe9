package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/rxdelivery/driversync/internal/errors"
	"github.com/rxdelivery/driversync/internal/models"
	"github.com/rxdelivery/driversync/internal/remote/remotetest"
)

func newTestClient(t *testing.T) (*Client, *remotetest.Backend) {
	t.Helper()
	backend := remotetest.NewBackend()
	t.Cleanup(backend.Close)
	return NewClient(backend.URL(), StaticToken("tok-1")), backend
}

func TestUpdateStatus(t *testing.T) {
	c, backend := newTestClient(t)

	require.NoError(t, c.UpdateStatus(context.Background(), 42, "picked_up"))

	calls := backend.CallsTo(http.MethodPatch, "/orders/42/status")
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{"status":"picked_up"}`, string(calls[0].Body))
	assert.Equal(t, "Bearer tok-1", calls[0].Auth)
	assert.Equal(t, "application/json", calls[0].ContentType)
}

func TestRejectOrder(t *testing.T) {
	c, backend := newTestClient(t)

	require.NoError(t, c.RejectOrder(context.Background(), 7, "pharmacy closed"))

	calls := backend.CallsTo(http.MethodPatch, "/orders/7/status")
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{"status":"cancelled","reason":"pharmacy closed"}`, string(calls[0].Body))
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		code int
		want apperrors.ErrorCode
	}{
		{"not found", http.StatusNotFound, apperrors.ErrResourceNotFound},
		{"server error", http.StatusInternalServerError, apperrors.ErrNetwork},
		{"bad gateway", http.StatusBadGateway, apperrors.ErrNetwork},
		{"conflict status", http.StatusConflict, apperrors.ErrNetwork},
		{"unauthorized", http.StatusUnauthorized, apperrors.ErrAuthExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, backend := newTestClient(t)
			backend.FailNext(http.MethodPatch, "/orders/1/status", tt.code)

			err := c.UpdateStatus(context.Background(), 1, "picked_up")
			assert.True(t, apperrors.Is(err, tt.want), "error = %v, want %s", err, tt.want)
		})
	}
}

func TestTransportFailure(t *testing.T) {
	backend := remotetest.NewBackend()
	url := backend.URL()
	backend.Close()

	c := NewClient(url, nil, WithTimeout(time.Second))
	err := c.UpdateStatus(context.Background(), 1, "picked_up")
	assert.True(t, apperrors.Is(err, apperrors.ErrNetwork), "error = %v", err)

	assert.Error(t, c.Health(context.Background()))
}

func TestHealth_anyResponseIsReachable(t *testing.T) {
	c, backend := newTestClient(t)
	backend.FailNext(http.MethodGet, "/health", http.StatusServiceUnavailable)

	assert.NoError(t, c.Health(context.Background()))
}

func TestGetOrder(t *testing.T) {
	c, backend := newTestClient(t)
	updated := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	backend.SetOrder(models.OrderSnapshot{ID: 9, Status: "assigned", UpdatedAt: updated})

	order, err := c.GetOrder(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, "assigned", order.Status)
	assert.True(t, order.UpdatedAt.Equal(updated))

	_, err = c.GetOrder(context.Background(), 10)
	assert.True(t, apperrors.Is(err, apperrors.ErrResourceNotFound))
}

func TestBatchPickup_partialResults(t *testing.T) {
	c, backend := newTestClient(t)
	backend.FailBatchOrders(2)

	res, err := c.BatchPickup(context.Background(), []int64{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, res.Failed())

	calls := backend.CallsTo(http.MethodPost, "/orders/batch-pickup")
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{"order_ids":[1,2,3]}`, string(calls[0].Body))
}

func TestBatchDelivery_proofs(t *testing.T) {
	c, backend := newTestClient(t)

	proofs := []models.BatchProof{{OrderID: 1, PhotoPath: "/pod/1.jpg"}}
	_, err := c.BatchDelivery(context.Background(), []int64{1}, proofs)
	require.NoError(t, err)

	calls := backend.CallsTo(http.MethodPost, "/orders/batch-delivery")
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{"order_ids":[1],"proofs":[{"order_id":1,"photo_path":"/pod/1.jpg"}]}`, string(calls[0].Body))
}

func TestSendLocation(t *testing.T) {
	c, backend := newTestClient(t)
	speed := 3.5
	ts := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)

	err := c.SendLocation(context.Background(), &models.LocationSample{
		Latitude: 1.5, Longitude: 2.5, Accuracy: 8, Timestamp: ts, Speed: &speed,
	})
	require.NoError(t, err)

	calls := backend.CallsTo(http.MethodPost, "/drivers/location")
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{"lat":1.5,"lng":2.5,"accuracy":8,"timestamp":"2026-02-03T04:05:06Z","speed":3.5}`, string(calls[0].Body))
}

// pngHeader is enough of a PNG for content sniffing.
var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestSubmitProofOfDelivery(t *testing.T) {
	c, backend := newTestClient(t)

	dir := t.TempDir()
	photo := filepath.Join(dir, "door.png")
	require.NoError(t, os.WriteFile(photo, pngHeader, 0600))

	require.NoError(t, c.SubmitProofOfDelivery(context.Background(), 5, photo, "", "left with neighbor"))

	calls := backend.CallsTo(http.MethodPost, "/orders/5/proof-of-delivery")
	require.Len(t, calls, 1)

	mediaType, params, err := mime.ParseMediaType(calls[0].ContentType)
	require.NoError(t, err)
	require.Equal(t, "multipart/form-data", mediaType)

	parts := map[string]string{}
	types := map[string]string{}
	r := multipart.NewReader(bytes.NewReader(calls[0].Body), params["boundary"])
	for {
		p, err := r.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		data, _ := io.ReadAll(p)
		parts[p.FormName()] = string(data)
		types[p.FormName()] = p.Header.Get("Content-Type")
	}

	assert.Equal(t, "left with neighbor", parts["notes"])
	assert.Equal(t, string(pngHeader), parts["photo"])
	assert.Equal(t, "image/png", types["photo"])
	_, hasSignature := parts["signature"]
	assert.False(t, hasSignature)
}

func TestSubmitProofOfDelivery_missingFile(t *testing.T) {
	c, backend := newTestClient(t)

	err := c.SubmitProofOfDelivery(context.Background(), 5, "/does/not/exist.jpg", "", "")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid), "error = %v", err)
	assert.Empty(t, backend.Calls())
}

func TestDispatch(t *testing.T) {
	c, backend := newTestClient(t)
	ctx := context.Background()

	_, err := c.Dispatch(ctx, models.NewStatusUpdate(1, "en_route", nil))
	require.NoError(t, err)
	_, err = c.Dispatch(ctx, models.NewRejection(2, "", nil))
	require.NoError(t, err)
	res, err := c.Dispatch(ctx, models.NewBatchPickup([]int64{3, 4}))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Len(t, res.Results, 2)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(backend.CallsTo(http.MethodPatch, "/orders/2/status")[0].Body, &body))
	assert.Equal(t, "cancelled", body["status"])

	_, err = c.Dispatch(ctx, &models.QueuedAction{Kind: "teleport"})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}
