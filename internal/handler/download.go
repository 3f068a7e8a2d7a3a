package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/campuslib/ebook-delivery/internal/errors"
	"github.com/campuslib/ebook-delivery/internal/httputil"
	"github.com/campuslib/ebook-delivery/internal/middleware"
	"github.com/campuslib/ebook-delivery/internal/service"
)

type DownloadHandler struct {
	downloads *service.DownloadService
	delivery  *service.DeliveryService
	guard     *service.RateGuard
}

func NewDownloadHandler(
	downloads *service.DownloadService,
	delivery *service.DeliveryService,
	guard *service.RateGuard,
) *DownloadHandler {
	return &DownloadHandler{downloads: downloads, delivery: delivery, guard: guard}
}

// Routes returns the JSON endpoints. Fetch is mounted separately so it can
// run without the request timeout.
func (h *DownloadHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewIPRateLimitMiddleware(h.guard, service.RateActionDownloadInitiate).Handler)
		r.Post("/initiate", h.Initiate)
		r.Post("/item/initiate", h.InitiateItem)
	})
	r.Post("/resend", h.Resend)
	r.Post("/verify", h.Verify)
	r.Get("/status/{id}", h.Status)

	return r
}

// POST /download/initiate
func (h *DownloadHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionKey string `json:"sessionKey"`
		Recipient  string `json:"recipient"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.SessionKey) == "" {
		writeError(w, apperrors.MissingRequired("sessionKey"))
		return
	}

	session, err := h.downloads.Initiate(r.Context(), service.InitiateParams{
		SessionKey: strings.TrimSpace(req.SessionKey),
		Recipient:  req.Recipient,
		OriginIP:   httputil.ClientIP(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, formatSession(session))
}

// POST /download/item/initiate
func (h *DownloadHandler) InitiateItem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ItemID    string `json:"itemId"`
		Recipient string `json:"recipient"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	session, err := h.downloads.InitiateItem(r.Context(), service.InitiateItemParams{
		ItemID:    strings.TrimSpace(req.ItemID),
		Recipient: req.Recipient,
		OriginIP:  httputil.ClientIP(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, formatSession(session))
}

// POST /download/resend
func (h *DownloadHandler) Resend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DownloadSessionID string `json:"downloadSessionId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	session, err := h.downloads.ResendCode(r.Context(), req.DownloadSessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, formatSession(session))
}

// POST /download/verify
func (h *DownloadHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DownloadSessionID string `json:"downloadSessionId"`
		Code              string `json:"code"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.DownloadSessionID == "" {
		writeError(w, apperrors.MissingRequired("downloadSessionId"))
		return
	}
	if req.Code == "" {
		writeError(w, apperrors.MissingRequired("code"))
		return
	}
	if err := h.guard.Check(r.Context(), req.DownloadSessionID, service.RateActionCodeSubmit); err != nil {
		writeError(w, err)
		return
	}

	issued, err := h.downloads.SubmitCode(r.Context(), req.DownloadSessionID, strings.TrimSpace(req.Code))
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, map[string]any{
		"downloadSessionId": issued.Session.ID,
		"downloadToken":     issued.Token,
		"expiresAt":         issued.ExpiresAt.Format(time.RFC3339),
	})
}

// GET /download/status/{id}
func (h *DownloadHandler) Status(w http.ResponseWriter, r *http.Request) {
	session, err := h.downloads.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, formatSession(session))
}

// GET /download/fetch?token=...[&itemId=...]
// Without itemId the whole session is streamed as a zip bundle.
func (h *DownloadHandler) Fetch(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	itemID := strings.TrimSpace(r.URL.Query().Get("itemId"))
	ip := httputil.ClientIP(r)

	var err error
	if itemID != "" {
		err = h.delivery.ServeSingle(w, r, token, itemID, ip)
	} else {
		err = h.delivery.ServeBundle(w, r, token, ip)
	}
	if err != nil {
		log.Debug().Err(err).Str("itemId", itemID).Msg("fetch rejected")
		writeError(w, err)
	}
}

// bearerToken reads the token from the Authorization header, falling back to
// the token query parameter used by plain download links.
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
