package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
)

const (
	sweepAudience   = "https://orders-api.run.app/api/v1/internal/orders/sweep"
	googleIssuer    = "https://accounts.google.com"
	schedulerEmail  = "scheduler@solucity-dev.iam.gserviceaccount.com"
	schedulerSigner = "scheduler-1"
)

type recordingMetrics struct {
	mu      sync.Mutex
	records []verificationRecord
}

type verificationRecord struct {
	kind    string
	success bool
	reason  string
}

func (m *recordingMetrics) RecordVerification(_ context.Context, kind string, success bool, reason string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, verificationRecord{kind: kind, success: success, reason: reason})
}

func (m *recordingMetrics) last() verificationRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.records) == 0 {
		return verificationRecord{}
	}
	return m.records[len(m.records)-1]
}

// schedulerClaims are the claims Cloud Scheduler puts in the OIDC token of a sweep trigger.
func schedulerClaims(now time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"aud":   sweepAudience,
		"iss":   googleIssuer,
		"sub":   "1029384756",
		"email": schedulerEmail,
		"iat":   float64(now.Unix()),
		"exp":   float64(now.Add(time.Hour).Unix()),
	}
}

func TestRequireOIDC(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	previous := jwt.TimeFunc
	jwt.TimeFunc = func() time.Time { return now }
	t.Cleanup(func() { jwt.TimeFunc = previous })

	ks := newKeyServer(t, schedulerSigner)

	cases := map[string]struct {
		mutate     func(jwt.MapClaims)
		jwksURL    string
		audience   string
		header     string
		noToken    bool
		wantStatus int
		wantReason string
	}{
		"scheduler token": {
			wantStatus: http.StatusNoContent,
			wantReason: "ok",
		},
		"IAP assertion header": {
			mutate: func(c jwt.MapClaims) {
				c["aud"] = "/projects/123/global/backendServices/456"
				c["iss"] = "https://cloud.google.com/iap"
			},
			audience:   "/projects/123/global/backendServices/456",
			header:     "X-Goog-Iap-Jwt-Assertion",
			wantStatus: http.StatusNoContent,
			wantReason: "ok",
		},
		"wrong audience": {
			mutate:     func(c jwt.MapClaims) { c["aud"] = "https://someone-else.run.app" },
			wantStatus: http.StatusUnauthorized,
			wantReason: "audience_mismatch",
		},
		"foreign issuer": {
			mutate:     func(c jwt.MapClaims) { c["iss"] = "https://issuer.example.net" },
			wantStatus: http.StatusUnauthorized,
			wantReason: "issuer_mismatch",
		},
		"expired token": {
			mutate:     func(c jwt.MapClaims) { c["exp"] = float64(now.Add(-time.Minute).Unix()) },
			wantStatus: http.StatusUnauthorized,
			wantReason: "token_invalid",
		},
		"missing token": {
			noToken:    true,
			wantStatus: http.StatusUnauthorized,
			wantReason: "token_missing",
		},
		"keys unreachable": {
			jwksURL:    "http://127.0.0.1:1/jwks",
			wantStatus: http.StatusServiceUnavailable,
			wantReason: "jwks_unavailable",
		},
		"audience not configured": {
			audience:   " ",
			wantStatus: http.StatusServiceUnavailable,
			wantReason: "audience_not_configured",
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			jwksURL := ks.URL
			if tc.jwksURL != "" {
				jwksURL = tc.jwksURL
			}
			metrics := &recordingMetrics{}
			validator := NewOIDCValidator(
				NewJWKSCache(jwksURL, WithJWKSLogger(noopLogger{}), WithJWKSClock(func() time.Time { return now })),
				WithOIDCLogger(noopLogger{}),
				WithOIDCMetrics(metrics),
				WithOIDCClock(func() time.Time { return now }),
			)

			claims := schedulerClaims(now)
			if tc.mutate != nil {
				tc.mutate(claims)
			}
			audience := sweepAudience
			if tc.audience != "" {
				audience = tc.audience
			}
			issuers := []string{googleIssuer, "https://cloud.google.com/iap"}

			req := httptest.NewRequest(http.MethodPost, "/api/v1/internal/orders/sweep", nil)
			if !tc.noToken {
				token := ks.sign(t, schedulerSigner, claims)
				if tc.header != "" {
					req.Header.Set(tc.header, token)
				} else {
					req.Header.Set("Authorization", "Bearer "+token)
				}
			}

			var caller *CallerIdentity
			rr := httptest.NewRecorder()
			validator.RequireOIDC(audience, issuers)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				caller, _ = CallerIdentityFromContext(r.Context())
				w.WriteHeader(http.StatusNoContent)
			})).ServeHTTP(rr, req)

			if rr.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d (%s)", tc.wantStatus, rr.Code, rr.Body.String())
			}
			record := metrics.last()
			if record.kind != "oidc" || record.reason != tc.wantReason || record.success != (tc.wantReason == "ok") {
				t.Fatalf("unexpected metric %+v", record)
			}
			if tc.wantStatus != http.StatusNoContent {
				if caller != nil {
					t.Fatalf("handler must not run on rejection")
				}
				var body map[string]any
				if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
					t.Fatalf("expected JSON error body: %v", err)
				}
				return
			}
			if caller == nil || caller.Email != schedulerEmail || caller.Audience != audience {
				t.Fatalf("unexpected caller %+v", caller)
			}
		})
	}
}
