package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"lotline/internal/domain"
	"lotline/internal/engine"
	"lotline/internal/engine/auth"
	"lotline/internal/reconcile"
	"lotline/internal/store"
	"lotline/internal/trace"
)

// Config for the HTTP API handler.
type Config struct {
	Engine     engine.Engine
	Reconciler reconcile.Reconciler
	BasePath   string
	Auth       AuthConfig
	// Devices enables the device registration endpoints when non-nil.
	Devices DeviceKeyStore
}

// DeviceKeyStore manages device key registrations.
type DeviceKeyStore interface {
	DeviceKeyLookup
	InsertDeviceKey(ctx context.Context, key store.DeviceKey) error
	ListDeviceKeys(ctx context.Context, producerID string) ([]store.DeviceKey, error)
	DeleteDeviceKey(ctx context.Context, id string) error
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"lot not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Lotline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Lotline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerLots(group, cfg.Engine)
	registerSync(group, cfg.Reconciler)
	if cfg.Devices != nil {
		registerDevices(group, cfg.Devices)
	}
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{"errors": ve.Errors})
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"lot_id": fe.LotID})
	}
	if errors.Is(err, store.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", "lot not found", nil)
	}
	if errors.Is(err, reconcile.ErrStrategyNotSupported) {
		return newAPIError(http.StatusNotImplemented, "not_implemented", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") ||
		strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown") ||
		strings.Contains(lowered, "exceeds"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotImplemented:
		return "not_implemented"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	return nil
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Store status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		if _, authErr := producerFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		lots, events, err := e.Store.Count(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"lots": lots, "events": events}}, nil
	})
}

func registerLots(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-lot",
		Method:        http.MethodPost,
		Path:          "/lots",
		Summary:       "Create lot",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body map[string]any `json:"body" jsonschema:"type=object,additionalProperties=true"`
	}) (*struct {
		Body domain.Lot `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		producerID, authErr := producerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		lot, err := e.CreateLot(ctx, producerID, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Lot `json:"body"`
		}{Body: lot}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-lots",
		Method:      http.MethodGet,
		Path:        "/lots",
		Summary:     "List the producer's lots",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		IncludeDeleted bool `query:"include_deleted"`
	}) (*struct {
		Body LotListResponse `json:"body"`
	}, error) {
		producerID, authErr := producerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		lots, err := e.ListLots(ctx, producerID, input.IncludeDeleted)
		if err != nil {
			return nil, handleError(err)
		}
		if lots == nil {
			lots = []domain.Lot{}
		}
		return &struct {
			Body LotListResponse `json:"body"`
		}{Body: LotListResponse{Lots: lots, Total: len(lots)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-lot",
		Method:      http.MethodGet,
		Path:        "/lots/{lot_id}",
		Summary:     "Get lot",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		LotID string `path:"lot_id"`
	}) (*struct {
		Body domain.Lot `json:"body"`
	}, error) {
		producerID, authErr := producerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		lot, err := e.GetLot(ctx, input.LotID, producerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Lot `json:"body"`
		}{Body: lot}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-lot",
		Method:      http.MethodPatch,
		Path:        "/lots/{lot_id}",
		Summary:     "Update lot",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		LotID string         `path:"lot_id"`
		Body  map[string]any `json:"body" jsonschema:"type=object,additionalProperties=true"`
	}) (*struct {
		Body domain.Lot `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		producerID, authErr := producerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		lot, err := e.UpdateLot(ctx, input.LotID, producerID, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Lot `json:"body"`
		}{Body: lot}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-lot",
		Method:      http.MethodDelete,
		Path:        "/lots/{lot_id}",
		Summary:     "Soft-delete lot",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		LotID string `path:"lot_id"`
	}) (*struct{}, error) {
		producerID, authErr := producerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteLot(ctx, input.LotID, producerID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "lot-history",
		Method:      http.MethodGet,
		Path:        "/lots/{lot_id}/history",
		Summary:     "Lot event history",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		LotID string `path:"lot_id"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		producerID, authErr := producerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		lot, err := e.GetLot(ctx, input.LotID, producerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: lot.Events}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-lot-event",
		Method:        http.MethodPost,
		Path:          "/lots/{lot_id}/events",
		Summary:       "Append a trace event",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		LotID string          `path:"lot_id"`
		Body  AddEventRequest `json:"body"`
	}) (*struct {
		Body domain.Event `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		producerID, authErr := producerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		evt, err := e.AddEvent(ctx, input.LotID, producerID, input.Body.Type, input.Body.Description, input.Body.Metadata)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Event `json:"body"`
		}{Body: evt}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "lot-qr",
		Method:      http.MethodGet,
		Path:        "/lots/{lot_id}/qr",
		Summary:     "QR payload for a lot",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		LotID string `path:"lot_id"`
	}) (*struct {
		Body trace.Payload `json:"body"`
	}, error) {
		producerID, authErr := producerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		payload, err := e.QRPayload(ctx, input.LotID, producerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body trace.Payload `json:"body"`
		}{Body: payload}, nil
	})
}

func registerSync(api huma.API, r reconcile.Reconciler) {
	huma.Register(api, huma.Operation{
		OperationID: "sync",
		Method:      http.MethodPost,
		Path:        "/sync",
		Summary:     "Reconcile a batch of offline mutations",
		Description: "Applies queued mutations in order and returns one outcome per item. The response is 200 even when individual items fail; failed items must be re-queued by the client and conflicts presented for resolution.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		Body SyncRequest `json:"body"`
	}) (*struct {
		Body reconcile.BatchResult `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		producerID, authErr := producerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		result, err := r.Reconcile(ctx, producerID, input.Body.Mutations)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body reconcile.BatchResult `json:"body"`
		}{Body: result}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-conflict",
		Method:      http.MethodPost,
		Path:        "/sync/resolve",
		Summary:     "Resolve a sync conflict server-side",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotImplemented,
		},
	}, func(ctx context.Context, input *struct {
		Body ResolveConflictRequest `json:"body"`
	}) (*struct{}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if _, authErr := producerFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Body.LotID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "lot_id is required", nil)
		}
		if err := r.Resolve(ctx, input.Body.LotID, reconcile.Strategy(input.Body.Strategy)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerDevices(api huma.API, devices DeviceKeyStore) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-device",
		Method:        http.MethodPost,
		Path:          "/devices",
		Summary:       "Register a sync device",
		Description:   "Issues a device key bound to the authenticated producer. The key is returned once and stored only as a hash.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body RegisterDeviceRequest `json:"body"`
	}) (*struct {
		Body DeviceKeyResponse `json:"body"`
	}, error) {
		producerID, authErr := producerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		key := uuid.NewString()
		dk := store.DeviceKey{
			ID:         uuid.NewString(),
			ProducerID: producerID,
			Name:       input.Body.Name,
			KeyHash:    store.HashDeviceKey(key),
		}
		if err := devices.InsertDeviceKey(ctx, dk); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeviceKeyResponse `json:"body"`
		}{Body: DeviceKeyResponse{ID: dk.ID, ProducerID: dk.ProducerID, Name: dk.Name, CreatedAt: dk.CreatedAt, Key: key}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-devices",
		Method:      http.MethodGet,
		Path:        "/devices",
		Summary:     "List the producer's devices",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []DeviceKeyResponse `json:"body"`
	}, error) {
		producerID, authErr := producerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := devices.ListDeviceKeys(ctx, producerID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]DeviceKeyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, DeviceKeyResponse{ID: k.ID, ProducerID: k.ProducerID, Name: k.Name, CreatedAt: k.CreatedAt})
		}
		return &struct {
			Body []DeviceKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-device",
		Method:      http.MethodDelete,
		Path:        "/devices/{device_id}",
		Summary:     "Revoke a device key",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DeviceID string `path:"device_id"`
	}) (*struct{}, error) {
		producerID, authErr := producerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := devices.ListDeviceKeys(ctx, producerID)
		if err != nil {
			return nil, handleError(err)
		}
		for _, k := range keys {
			if k.ID == input.DeviceID {
				if err := devices.DeleteDeviceKey(ctx, k.ID); err != nil {
					return nil, handleError(err)
				}
				return &struct{}{}, nil
			}
		}
		return nil, newAPIError(http.StatusNotFound, "not_found", "device not found", nil)
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}
