package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	apperrors "github.com/campuslib/ebook-delivery/internal/errors"
	"github.com/campuslib/ebook-delivery/internal/httputil"
	"github.com/campuslib/ebook-delivery/internal/model"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}

func writeError(w http.ResponseWriter, err error) {
	httputil.WriteError(w, err)
}

// decodeJSON reads a single JSON object and rejects unknown fields.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			return apperrors.ValidationError("Request body too large")
		}
		return apperrors.InvalidInput("body", err.Error())
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return apperrors.InvalidInput("body", "must contain a single JSON object")
	}
	return nil
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

func formatCart(entries []model.CartEntry, maxItems int) map[string]any {
	items := make([]map[string]any, len(entries))
	for i, e := range entries {
		items[i] = map[string]any{
			"itemId":    e.ItemID,
			"addedAt":   e.AddedAt.Format(time.RFC3339),
			"expiresAt": e.ExpiresAt.Format(time.RFC3339),
		}
	}
	return map[string]any{
		"items":    items,
		"count":    len(entries),
		"maxItems": maxItems,
	}
}

func formatSession(s *model.DownloadSession) map[string]any {
	items := make([]map[string]any, len(s.Items))
	for i, item := range s.Items {
		items[i] = map[string]any{"itemId": item.ItemID, "title": item.Title}
	}
	return map[string]any{
		"downloadSessionId": s.ID,
		"status":            s.Status,
		"purpose":           s.Purpose,
		"items":             items,
		"otpVerified":       s.OTPVerified,
		"expiresAt":         s.ExpiresAt.Format(time.RFC3339),
		"tokenExpiresAt":    formatTime(s.TokenExpiresAt),
		"deliveredAt":       formatTime(s.DeliveredAt),
		"failureReason":     s.FailureReason,
	}
}
