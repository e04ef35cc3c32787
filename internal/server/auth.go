package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"lotline/internal/store"
)

// DeviceKeyLookup resolves a hashed device key to its registration.
type DeviceKeyLookup interface {
	GetDeviceKeyByHash(ctx context.Context, hash string) (store.DeviceKey, error)
}

type AuthConfig struct {
	JWTSecret string
	// AllowProducerHeader lets local development pass an unverified
	// X-Producer-Id header instead of credentials.
	AllowProducerHeader bool
	Keys                DeviceKeyLookup
	Logger              *log.Logger
}

// Principal is the verified producer behind a request. Downstream code
// trusts ProducerID without re-verifying it.
type Principal struct {
	ProducerID string
	DeviceID   string
	Source     string
}

type principalKey struct{}

func (c AuthConfig) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func producerFromContext(ctx context.Context) (string, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.ProducerID != "" {
		return p.ProducerID, nil
	}
	return "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

func authenticateJWT(token string, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwt.RegisteredClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{ProducerID: claims.Subject, Source: "jwt"}, nil
}

func authenticateDeviceKey(ctx context.Context, keys DeviceKeyLookup, key string) (Principal, error) {
	if keys == nil {
		return Principal{}, errors.New("device keys not configured")
	}
	if strings.TrimSpace(key) == "" {
		return Principal{}, errors.New("device key required")
	}
	dk, err := keys.GetDeviceKeyByHash(ctx, store.HashDeviceKey(key))
	if err != nil {
		return Principal{}, err
	}
	if dk.ProducerID == "" {
		return Principal{}, errors.New("device key missing producer")
	}
	return Principal{ProducerID: dk.ProducerID, DeviceID: dk.ID, Source: "device_key"}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	openapiPath := path.Join(basePath, "openapi.json")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Only enforce for API base path.
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if req.URL.Path == healthPath || req.URL.Path == openapiPath {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			deviceKey := strings.TrimSpace(req.Header.Get("X-Device-Key"))
			producerHeader := strings.TrimSpace(req.Header.Get("X-Producer-Id"))

			if authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				principal, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			if deviceKey != "" {
				principal, err := authenticateDeviceKey(req.Context(), cfg.Keys, deviceKey)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			if producerHeader != "" && cfg.AllowProducerHeader {
				cfg.logger().Printf("WARNING: using unverified X-Producer-Id header; development only (producer_id=%s)", producerHeader)
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), Principal{
					ProducerID: producerHeader,
					Source:     "producer_header",
				})))
				return
			}

			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
