package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campuslib/ebook-delivery/internal/audit"
	apperrors "github.com/campuslib/ebook-delivery/internal/errors"
	"github.com/campuslib/ebook-delivery/internal/httputil"
	"github.com/campuslib/ebook-delivery/internal/model"
	"github.com/campuslib/ebook-delivery/internal/notifier"
	"github.com/campuslib/ebook-delivery/internal/repository/memory"
	"github.com/campuslib/ebook-delivery/internal/service"
	"github.com/campuslib/ebook-delivery/internal/storage"
)

type codeNotifier struct {
	mu    sync.Mutex
	codes []string
}

func (n *codeNotifier) Send(ctx context.Context, msg notifier.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.codes = append(n.codes, msg.Code)
	return nil
}

func (n *codeNotifier) last() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.codes) == 0 {
		return ""
	}
	return n.codes[len(n.codes)-1]
}

type testServer struct {
	router   http.Handler
	notifier *codeNotifier
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.pdf"), bytes.Repeat([]byte("a"), 1000), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.epub"), bytes.Repeat([]byte("b"), 300), 0o644))
	local, err := storage.NewLocalStorage(root)
	require.NoError(t, err)

	carts := memory.NewCartRepository()
	catalog := memory.NewCatalogRepository(
		model.CatalogItem{ID: "book-a", Title: "Linear Algebra", FileRef: "a.pdf"},
		model.CatalogItem{ID: "book-b", Title: "Operating Systems", FileRef: "b.epub"},
	)
	codes := &codeNotifier{}
	sink := audit.NewRecorder()

	guard := service.NewRateGuard(service.NewMemoryLimiter(), service.DefaultRatePolicies(30*time.Second), sink, nil)
	cartService := service.NewCartService(carts, catalog, 10, 24*time.Hour, nil)
	otpService := service.NewOTPService(memory.NewChallengeRepository(), codes, sink, nil)
	downloads := service.NewDownloadService(
		memory.NewDownloadSessionRepository(), carts, catalog, memory.NewDeliveryRecordRepository(),
		otpService, sink,
		service.DownloadConfig{AllowedDomains: []string{"uni.example"}, SessionTTL: time.Hour, TokenTTL: 10 * time.Minute},
		nil,
	).WithRateGuard(guard)
	delivery := service.NewDeliveryService(downloads, catalog, storage.NewRouter(local, nil), guard, time.Millisecond, nil)

	downloadHandler := NewDownloadHandler(downloads, delivery, guard)
	r := chi.NewRouter()
	r.Mount("/cart", NewCartHandler(cartService).Routes())
	r.Get("/download/fetch", downloadHandler.Fetch)
	r.Mount("/download", downloadHandler.Routes())

	return &testServer{router: r, notifier: codes}
}

func (s *testServer) do(t *testing.T, method, target string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	req.RemoteAddr = "203.0.113.7:40000"
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) apperrors.ErrorCode {
	t.Helper()
	var out httputil.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out.Code
}

// startDownload fills the cart and verifies the code, returning session id and token.
func (s *testServer) startDownload(t *testing.T, items ...string) (string, string) {
	t.Helper()
	for _, id := range items {
		rec := s.do(t, http.MethodPost, "/cart/add", map[string]string{"sessionKey": "v1", "itemId": id})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec := s.do(t, http.MethodPost, "/download/initiate", map[string]string{"sessionKey": "v1", "recipient": "reader@uni.example"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sessionID := decodeBody(t, rec)["downloadSessionId"].(string)

	rec = s.do(t, http.MethodPost, "/download/verify", map[string]string{"downloadSessionId": sessionID, "code": s.notifier.last()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return sessionID, decodeBody(t, rec)["downloadToken"].(string)
}

func TestCartHandler(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/cart/add", map[string]string{"sessionKey": "v1", "itemId": "book-a"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "added", body["status"])
	assert.Equal(t, float64(1), body["count"])

	rec = s.do(t, http.MethodPost, "/cart/add", map[string]string{"sessionKey": "v1", "itemId": "book-a"})
	assert.Equal(t, "already_present", decodeBody(t, rec)["status"])

	rec = s.do(t, http.MethodPost, "/cart/add", map[string]string{"sessionKey": "v1", "itemId": "missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, apperrors.ErrCodeItemUnavailable, errorCode(t, rec))

	rec = s.do(t, http.MethodGet, "/cart?sessionKey=v1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["items"], 1)

	rec = s.do(t, http.MethodPost, "/cart/remove", map[string]string{"sessionKey": "v1", "itemId": "book-b"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/cart/remove", map[string]string{"sessionKey": "v1", "itemId": "book-a"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody(t, rec)["items"])

	rec = s.do(t, http.MethodDelete, "/cart/clear?sessionKey=v1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodGet, "/cart", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, apperrors.ErrCodeMissingRequired, errorCode(t, rec))
}

func TestCartHandler_StrictBody(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/cart/add", `{"sessionKey":"v1","itemId":"book-a","extra":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, apperrors.ErrCodeInvalidInput, errorCode(t, rec))

	rec = s.do(t, http.MethodPost, "/cart/add", `{"sessionKey":"v1","itemId":"book-a"}{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/cart/add", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDownloadHandler_BundleFlow(t *testing.T) {
	s := newTestServer(t)
	sessionID, token := s.startDownload(t, "book-a", "book-b")
	assert.Len(t, token, 64)

	rec := s.do(t, http.MethodGet, "/download/status/"+sessionID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "token_issued", decodeBody(t, rec)["status"])

	rec = s.do(t, http.MethodGet, "/download/fetch?token="+token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("PK")))

	rec = s.do(t, http.MethodGet, "/download/fetch?token="+token, nil)
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, apperrors.ErrCodeTokenAlreadyUsed, errorCode(t, rec))

	rec = s.do(t, http.MethodGet, "/download/status/"+sessionID, nil)
	assert.Equal(t, "delivered", decodeBody(t, rec)["status"])

	rec = s.do(t, http.MethodGet, "/cart?sessionKey=v1", nil)
	assert.Empty(t, decodeBody(t, rec)["items"])
}

func TestDownloadHandler_SingleItemRange(t *testing.T) {
	s := newTestServer(t)
	_, token := s.startDownload(t, "book-a")

	rec := s.do(t, http.MethodGet, "/download/fetch?itemId=book-a", nil,
		"Authorization", "Bearer "+token, "Range", "bytes=2000-2100")
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)
	assert.Equal(t, "bytes */1000", rec.Header().Get("Content-Range"))

	rec = s.do(t, http.MethodGet, "/download/fetch?itemId=book-a", nil,
		"Authorization", "Bearer "+token, "Range", "bytes=100-199")
	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "bytes 100-199/1000", rec.Header().Get("Content-Range"))
	assert.Equal(t, 100, rec.Body.Len())
}

func TestDownloadHandler_Errors(t *testing.T) {
	t.Run("wrong code then rate limit", func(t *testing.T) {
		s := newTestServer(t)
		s.do(t, http.MethodPost, "/cart/add", map[string]string{"sessionKey": "v1", "itemId": "book-a"})
		rec := s.do(t, http.MethodPost, "/download/initiate", map[string]string{"sessionKey": "v1", "recipient": "reader@uni.example"})
		require.Equal(t, http.StatusCreated, rec.Code)
		sessionID := decodeBody(t, rec)["downloadSessionId"].(string)

		wrong := "000000"
		for i := 0; i < 5; i++ {
			rec = s.do(t, http.MethodPost, "/download/verify", map[string]string{"downloadSessionId": sessionID, "code": wrong})
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, apperrors.ErrCodeChallengeMismatch, errorCode(t, rec))
		}

		rec = s.do(t, http.MethodPost, "/download/verify", map[string]string{"downloadSessionId": sessionID, "code": s.notifier.last()})
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	})

	t.Run("empty cart", func(t *testing.T) {
		s := newTestServer(t)
		rec := s.do(t, http.MethodPost, "/download/initiate", map[string]string{"sessionKey": "v1", "recipient": "reader@uni.example"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, apperrors.ErrCodeValidation, errorCode(t, rec))
	})

	t.Run("recipient outside allowed domains", func(t *testing.T) {
		s := newTestServer(t)
		s.do(t, http.MethodPost, "/cart/add", map[string]string{"sessionKey": "v1", "itemId": "book-a"})
		rec := s.do(t, http.MethodPost, "/download/initiate", map[string]string{"sessionKey": "v1", "recipient": "someone@mail.example"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing and unknown tokens", func(t *testing.T) {
		s := newTestServer(t)
		rec := s.do(t, http.MethodGet, "/download/fetch", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		rec = s.do(t, http.MethodGet, "/download/fetch?token="+strings.Repeat("f", 64), nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, apperrors.ErrCodeInvalidToken, errorCode(t, rec))
	})

	t.Run("unknown session status", func(t *testing.T) {
		s := newTestServer(t)
		rec := s.do(t, http.MethodGet, "/download/status/7d9f8a52-4c1b-4d0e-9a77-3f1e2b6c8d90", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("resend is throttled", func(t *testing.T) {
		s := newTestServer(t)
		s.do(t, http.MethodPost, "/cart/add", map[string]string{"sessionKey": "v1", "itemId": "book-a"})
		rec := s.do(t, http.MethodPost, "/download/initiate", map[string]string{"sessionKey": "v1", "recipient": "reader@uni.example"})
		sessionID := decodeBody(t, rec)["downloadSessionId"].(string)

		rec = s.do(t, http.MethodPost, "/download/resend", map[string]string{"downloadSessionId": sessionID})
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	})

	t.Run("rejected initiate leaves the recipient quota", func(t *testing.T) {
		s := newTestServer(t)
		rec := s.do(t, http.MethodPost, "/download/initiate", map[string]string{"sessionKey": "v1", "recipient": "reader@uni.example"})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		rec = s.do(t, http.MethodPost, "/download/initiate", map[string]string{"sessionKey": "v1", "recipient": "not-an-address"})
		require.Equal(t, http.StatusBadRequest, rec.Code)

		s.do(t, http.MethodPost, "/cart/add", map[string]string{"sessionKey": "v1", "itemId": "book-a"})
		rec = s.do(t, http.MethodPost, "/download/initiate", map[string]string{"sessionKey": "v1", "recipient": "reader@uni.example"})
		assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		rec = s.do(t, http.MethodPost, "/download/initiate", map[string]string{"sessionKey": "v1", "recipient": "reader@uni.example"})
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	})

	t.Run("item sessions are paced on the bundle path too", func(t *testing.T) {
		s := newTestServer(t)
		itemToken := func(itemID, recipient string) string {
			rec := s.do(t, http.MethodPost, "/download/item/initiate", map[string]string{"itemId": itemID, "recipient": recipient})
			require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
			sessionID := decodeBody(t, rec)["downloadSessionId"].(string)
			rec = s.do(t, http.MethodPost, "/download/verify", map[string]string{"downloadSessionId": sessionID, "code": s.notifier.last()})
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			return decodeBody(t, rec)["downloadToken"].(string)
		}

		first := itemToken("book-a", "reader@uni.example")
		second := itemToken("book-b", "other@uni.example")

		rec := s.do(t, http.MethodGet, "/download/fetch?token="+first, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = s.do(t, http.MethodGet, "/download/fetch?token="+second, nil)
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	})
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/download/fetch?token=abc", nil)
	assert.Equal(t, "abc", bearerToken(r))

	r.Header.Set("Authorization", "Bearer xyz")
	assert.Equal(t, "xyz", bearerToken(r))
}
