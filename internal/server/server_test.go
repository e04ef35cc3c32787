package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"lotline/internal/config"
	"lotline/internal/db"
	"lotline/internal/domain"
	"lotline/internal/engine"
	"lotline/internal/migrate"
	"lotline/internal/reconcile"
	"lotline/internal/store"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	Store  store.SQLite
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st := store.SQLite{DB: conn}
	e := engine.New(st, config.Default())
	handler, err := New(Config{
		Engine:     e,
		Reconciler: reconcile.New(e),
		BasePath:   "/v1",
		Auth: AuthConfig{
			JWTSecret:           testJWTSecret,
			AllowProducerHeader: true,
			Keys:                st,
		},
		Devices: st,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Store:  st,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asProducer(id string) map[string]string {
	return map[string]string{"X-Producer-Id": id}
}

func decodeErrorEnvelope(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, string(data))
	}
	return envelope.Error
}

func TestHealthNoAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/lots", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	if e := decodeErrorEnvelope(t, data); e.Code != "unauthorized" {
		t.Fatalf("code = %q", e.Code)
	}
}

func TestLotLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	producer := asProducer("prod-1")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/lots", map[string]any{
		"crop_type": "coffee",
		"quantity":  50,
		"location":  "Huila",
	}, producer)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var created domain.Lot
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("decode lot: %v", err)
	}
	if created.ID == "" || created.TraceabilityCode == "" || created.Unit != "kg" {
		t.Fatalf("created = %+v", created)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/lots/"+created.ID, nil, producer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/lots/"+created.ID, map[string]any{
		"quantity": 75,
	}, producer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("patch status %d: %s", res.StatusCode, string(data))
	}
	var updated domain.Lot
	if err := json.Unmarshal(data, &updated); err != nil {
		t.Fatalf("decode lot: %v", err)
	}
	if updated.Quantity != 75 || updated.Location != "Huila" {
		t.Fatalf("updated = %+v", updated)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/lots", nil, producer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var list LotListResponse
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.Total != 1 {
		t.Fatalf("list = %+v", list)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/lots/"+created.ID+"/history", nil, producer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history status %d: %s", res.StatusCode, string(data))
	}
	var history []domain.Event
	if err := json.Unmarshal(data, &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history = %+v", history)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/lots/"+created.ID+"/qr", nil, producer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("qr status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/lots/"+created.ID, nil, producer)
	if res.StatusCode >= 300 {
		t.Fatalf("delete status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/lots", nil, producer)
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.Total != 0 {
		t.Fatalf("deleted lot still listed: %+v", list)
	}
}

func TestCreateLotValidationError(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/lots", map[string]any{
		"quantity": -1,
	}, asProducer("prod-1"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	if e := decodeErrorEnvelope(t, data); e.Code != "validation_failed" {
		t.Fatalf("code = %q", e.Code)
	}
}

func TestForeignLotForbidden(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/lots", map[string]any{
		"crop_type": "coffee", "quantity": 50,
	}, asProducer("prod-1"))
	var created domain.Lot
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("decode lot: %v", err)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/lots/"+created.ID, nil, asProducer("prod-2"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
}

func TestGetMissingLot(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/lots/nope", nil, asProducer("prod-1"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	if e := decodeErrorEnvelope(t, data); e.Code != "not_found" {
		t.Fatalf("code = %q", e.Code)
	}
}

func TestSyncPartialFailureIsStill200(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	now := time.Now().UTC()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/sync", map[string]any{
		"mutations": []map[string]any{
			{
				"type":       "lot_creation",
				"data":       map[string]any{"crop_type": "coffee", "quantity": 50},
				"timestamp":  now.Format(time.RFC3339),
				"offline_id": "offline-1",
			},
			{
				"type":      "lot_update",
				"lot_id":    "missing-lot",
				"data":      map[string]any{"quantity": 10},
				"timestamp": now.Format(time.RFC3339),
			},
		},
	}, asProducer("prod-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("sync status %d: %s", res.StatusCode, string(data))
	}
	var result reconcile.BatchResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(result.Synced) != 1 || len(result.Failed) != 1 {
		t.Fatalf("result = %+v", result)
	}
	if result.Synced[0].OfflineID != "offline-1" || result.Synced[0].LotID == "" {
		t.Fatalf("synced = %+v", result.Synced[0])
	}
}

func TestSyncResolveNotImplemented(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/sync/resolve", map[string]any{
		"lot_id":   "lot-1",
		"strategy": "server",
	}, asProducer("prod-1"))
	if res.StatusCode != http.StatusNotImplemented {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	if e := decodeErrorEnvelope(t, data); e.Code != "not_implemented" {
		t.Fatalf("code = %q", e.Code)
	}
}

func TestJWTAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "prod-jwt",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/lots", map[string]any{
		"crop_type": "coffee", "quantity": 50,
	}, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var created domain.Lot
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("decode lot: %v", err)
	}
	if created.ProducerID != "prod-jwt" {
		t.Fatalf("producer = %q, want the JWT subject", created.ProducerID)
	}

	// wrong signature is rejected
	bad, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "x"}).SignedString([]byte("other-secret"))
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/lots", nil, map[string]string{"Authorization": "Bearer " + bad})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status %d", res.StatusCode)
	}
}

func TestDeviceKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/devices", map[string]any{
		"name": "field-tablet",
	}, asProducer("prod-dev"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register status %d: %s", res.StatusCode, string(data))
	}
	var registered DeviceKeyResponse
	if err := json.Unmarshal(data, &registered); err != nil {
		t.Fatalf("decode device: %v", err)
	}
	if registered.Key == "" {
		t.Fatal("registration must return the key once")
	}

	// the key authenticates as its producer
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/lots", map[string]any{
		"crop_type": "coffee", "quantity": 50,
	}, map[string]string{"X-Device-Key": registered.Key})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("keyed create status %d: %s", res.StatusCode, string(data))
	}
	var created domain.Lot
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("decode lot: %v", err)
	}
	if created.ProducerID != "prod-dev" {
		t.Fatalf("producer = %q", created.ProducerID)
	}

	// listing never exposes the key
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/devices", nil, asProducer("prod-dev"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var listed []DeviceKeyResponse
	if err := json.Unmarshal(data, &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed) != 1 || listed[0].Key != "" {
		t.Fatalf("listed = %+v", listed)
	}

	// revoked keys stop working
	res, _ = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/devices/"+registered.ID, nil, asProducer("prod-dev"))
	if res.StatusCode >= 300 {
		t.Fatalf("revoke status %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/lots", nil, map[string]string{"X-Device-Key": registered.Key})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked key status %d", res.StatusCode)
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/lots", map[string]any{
		"crop_type": "coffee", "quantity": 50,
	}, asProducer("prod-1"))
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/status", nil, asProducer("prod-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["lots"] != 1.0 || out["events"] != 1.0 {
		t.Fatalf("out = %v", out)
	}
}

func TestOpenAPINoAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d", res.StatusCode)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("openapi is not json: %v", err)
	}
}
