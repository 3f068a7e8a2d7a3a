package middleware

import (
	"net/http"

	apperrors "github.com/campuslib/ebook-delivery/internal/errors"
	"github.com/campuslib/ebook-delivery/internal/httputil"
)

func writeErrorWithStatus(w http.ResponseWriter, status int, err *apperrors.AppError) {
	httputil.WriteJSON(w, status, httputil.ErrorResponse{
		Error:   err.Message,
		Code:    err.Code,
		Details: err.Details,
	})
}
