package http

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jmehdipour/sagaflow/internal/config"
	"github.com/jmehdipour/sagaflow/internal/http/middleware"
	"github.com/jmehdipour/sagaflow/internal/model"
	"github.com/jmehdipour/sagaflow/internal/repository"
	"github.com/jmehdipour/sagaflow/internal/saga"
	"github.com/jmehdipour/sagaflow/internal/service/order"
	"github.com/jmehdipour/sagaflow/internal/service/payment"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type customers map[string]*model.Customer

func (c customers) GetByAPIKey(_ context.Context, key string) (*model.Customer, error) {
	return c[key], nil
}

type fakeOrders struct {
	placed  map[string]*model.Order
	lastReq order.PlaceOrderRequest
}

func (f *fakeOrders) PlaceOrder(_ context.Context, customerID int64, req order.PlaceOrderRequest) (*model.Order, bool, error) {
	f.lastReq = req
	if req.SKU == "NOPE" {
		return nil, false, order.ErrUnknownProduct
	}
	if req.Quantity <= 0 {
		return nil, false, order.ErrInvalidOrder
	}
	if o, ok := f.placed[req.RequestID]; ok {
		return o, false, nil
	}
	o := &model.Order{ID: "01ORDER", CustomerID: customerID, RequestID: req.RequestID, SKU: req.SKU,
		Quantity: req.Quantity, Amount: 500, Status: model.OrderPending, SagaID: "s1"}
	f.placed[req.RequestID] = o
	return o, true, nil
}

func (f *fakeOrders) Get(_ context.Context, customerID int64, id string) (*model.Order, error) {
	for _, o := range f.placed {
		if o.ID == id && o.CustomerID == customerID {
			return o, nil
		}
	}
	return nil, model.ErrOrderNotFound
}

type fakeSagas map[string]*saga.View

func (f fakeSagas) Get(_ context.Context, id string) (*saga.View, error) {
	v, ok := f[id]
	if !ok {
		return nil, model.ErrSagaNotFound
	}
	return v, nil
}

type fakeReports struct{ err error }

func (f fakeReports) List(_ context.Context, sagaType, status string, _, _ int) ([]repository.SagaReportRow, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []repository.SagaReportRow{{SagaID: "s1", SagaType: sagaType, Status: status}}, nil
}

type fakeWallet struct{}

func (fakeWallet) Topup(_ context.Context, customerID, amount int64, requestID string) (payment.TopupResult, error) {
	if amount <= 0 {
		return payment.TopupResult{}, payment.ErrInvalidTopup
	}
	return payment.TopupResult{CustomerID: customerID, Amount: amount, RequestID: requestID}, nil
}

type fakeOutbox struct{ requeued []string }

func (f *fakeOutbox) ListFailed(context.Context, int, int) ([]model.OutboxRecord, error) {
	return []model.OutboxRecord{{
		ID: "r1", Topic: "payment.commands", RetryCount: 10,
		ErrorReason: sql.NullString{String: "broker down", Valid: true},
	}}, nil
}

func (f *fakeOutbox) Requeue(_ context.Context, id string, _ time.Time) (bool, error) {
	if id != "r1" {
		return false, nil
	}
	f.requeued = append(f.requeued, id)
	return true, nil
}

type testServer struct {
	e      *echo.Echo
	orders *fakeOrders
	outbox *fakeOutbox
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{orders: &fakeOrders{placed: map[string]*model.Order{}}, outbox: &fakeOutbox{}}
	cfg := config.Config{HTTP: config.HTTPConfig{AdminKey: "root"}}
	ts.e = newEcho(cfg, Handlers{
		Customers: customers{
			"k7": {ID: 7, Status: "active"},
			"k8": {ID: 8, Status: "suspended"},
		},
		Orders: ts.orders,
		Sagas: fakeSagas{"s1": &saga.View{
			Instance: &model.SagaInstance{
				SagaID: "s1", SagaType: "place-order", Status: model.SagaCompleted, State: model.StateCompleted,
				Data: model.SagaData{model.DataInput: json.RawMessage(`{"customer_id":7}`)},
			},
			History: []model.SagaHistoryEntry{{SagaID: "s1", Step: "reserve-inventory", Kind: model.HistoryCommand}},
		}},
		Reports: fakeReports{},
		Wallet:  fakeWallet{},
		Outbox:  ts.outbox,
	})
	return ts
}

func (ts *testServer) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.e.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestAuth(t *testing.T) {
	ts := newTestServer(t)

	assert.Equal(t, http.StatusUnauthorized, ts.do(http.MethodGet, "/v1/orders/x", "").Code)
	assert.Equal(t, http.StatusUnauthorized, ts.do(http.MethodGet, "/v1/orders/x", "", middleware.HeaderAPIKey, "bogus").Code)
	assert.Equal(t, http.StatusUnauthorized, ts.do(http.MethodGet, "/v1/orders/x", "", middleware.HeaderAPIKey, "k8").Code)
	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/healthz", "").Code)
}

func TestPlaceOrder(t *testing.T) {
	ts := newTestServer(t)
	body := `{"request_id":"r1","sku":"SKU-1","quantity":2,"address":"1 Main St"}`

	rec := ts.do(http.MethodPost, "/v1/orders", body, middleware.HeaderAPIKey, "k7")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	out := decodeBody(t, rec)
	assert.Equal(t, "01ORDER", out["id"])
	assert.Equal(t, "pending", out["status"])
	assert.Equal(t, "1 Main St", ts.orders.lastReq.Address)

	rec = ts.do(http.MethodPost, "/v1/orders", body, middleware.HeaderAPIKey, "k7")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(http.MethodGet, "/v1/orders/01ORDER", "", middleware.HeaderAPIKey, "k7")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPlaceOrder_Errors(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/v1/orders", `{"request_id":"r1","sku":"SKU-1","quantity":0}`, middleware.HeaderAPIKey, "k7")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodPost, "/v1/orders", `{"request_id":"r1","sku":"NOPE","quantity":1}`, middleware.HeaderAPIKey, "k7")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = ts.do(http.MethodPost, "/v1/orders", `{not json`, middleware.HeaderAPIKey, "k7")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodGet, "/v1/orders/missing", "", middleware.HeaderAPIKey, "k7")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetSaga(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/v1/sagas/s1", "", middleware.HeaderAPIKey, "k7")
	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody(t, rec)
	assert.Equal(t, "completed", out["status"])
	assert.Len(t, out["history"], 1)

	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/v1/sagas/nope", "", middleware.HeaderAPIKey, "k7").Code)
}

func TestGetSaga_OtherCustomerSeesNothing(t *testing.T) {
	ts := newTestServer(t)
	ts.e = newEcho(config.Config{}, Handlers{
		Customers: customers{"k9": {ID: 9, Status: "active"}},
		Sagas: fakeSagas{"s1": &saga.View{Instance: &model.SagaInstance{
			SagaID: "s1", Data: model.SagaData{model.DataInput: json.RawMessage(`{"customer_id":7}`)},
		}}},
	})
	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/v1/sagas/s1", "", middleware.HeaderAPIKey, "k9").Code)
}

func TestReports(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/v1/reports/sagas?status=compensated&saga_type=place-order&limit=5", "", middleware.HeaderAPIKey, "k7")
	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody(t, rec)
	assert.EqualValues(t, 5, out["limit"])
	assert.EqualValues(t, 1, out["count"])

	rec = ts.do(http.MethodGet, "/v1/reports/sagas?status=bogus", "", middleware.HeaderAPIKey, "k7")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReports_QueryFailure(t *testing.T) {
	ts := newTestServer(t)
	ts.e = newEcho(config.Config{}, Handlers{
		Customers: customers{"k7": {ID: 7, Status: "active"}},
		Reports:   fakeReports{err: errors.New("clickhouse down")},
	})
	rec := ts.do(http.MethodGet, "/v1/reports/sagas", "", middleware.HeaderAPIKey, "k7")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestTopup(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/v1/wallet/topup", `{"amount":1000,"request_id":"t1"}`, middleware.HeaderAPIKey, "k7")
	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody(t, rec)
	assert.Equal(t, false, out["idempotent"])
	assert.EqualValues(t, 7, out["customer_id"])

	rec = ts.do(http.MethodPost, "/v1/wallet/topup", `{"amount":0,"request_id":"t1"}`, middleware.HeaderAPIKey, "k7")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminOutbox(t *testing.T) {
	ts := newTestServer(t)

	assert.Equal(t, http.StatusUnauthorized, ts.do(http.MethodGet, "/v1/admin/outbox/failed", "").Code)

	rec := ts.do(http.MethodGet, "/v1/admin/outbox/failed", "", middleware.HeaderAdminKey, "root")
	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody(t, rec)
	assert.EqualValues(t, 1, out["count"])

	rec = ts.do(http.MethodPost, "/v1/admin/outbox/r1/requeue", "", middleware.HeaderAdminKey, "root")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"r1"}, ts.outbox.requeued)

	rec = ts.do(http.MethodPost, "/v1/admin/outbox/r2/requeue", "", middleware.HeaderAdminKey, "root")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminDisabledWithoutKey(t *testing.T) {
	e := newEcho(config.Config{}, Handlers{Outbox: &fakeOutbox{}})
	req := httptest.NewRequest(http.MethodGet, "/v1/admin/outbox/failed", nil)
	req.Header.Set(middleware.HeaderAdminKey, "")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
