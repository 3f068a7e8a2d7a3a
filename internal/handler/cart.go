package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/campuslib/ebook-delivery/internal/service"
)

type CartHandler struct {
	cart *service.CartService
}

func NewCartHandler(cart *service.CartService) *CartHandler {
	return &CartHandler{cart: cart}
}

func (h *CartHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.Post("/add", h.Add)
	r.Post("/remove", h.Remove)
	r.Delete("/clear", h.Clear)

	return r
}

type cartItemRequest struct {
	SessionKey string `json:"sessionKey"`
	ItemID     string `json:"itemId"`
}

// POST /cart/add
func (h *CartHandler) Add(w http.ResponseWriter, r *http.Request) {
	var req cartItemRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	status, err := h.cart.Add(r.Context(), req.SessionKey, req.ItemID)
	if err != nil {
		writeError(w, err)
		return
	}

	h.writeCart(w, r, req.SessionKey, map[string]any{"status": status})
}

// POST /cart/remove
func (h *CartHandler) Remove(w http.ResponseWriter, r *http.Request) {
	var req cartItemRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if err := h.cart.Remove(r.Context(), req.SessionKey, req.ItemID); err != nil {
		writeError(w, err)
		return
	}

	h.writeCart(w, r, req.SessionKey, nil)
}

// DELETE /cart/clear?sessionKey=
func (h *CartHandler) Clear(w http.ResponseWriter, r *http.Request) {
	sessionKey := r.URL.Query().Get("sessionKey")
	if err := h.cart.Clear(r.Context(), sessionKey); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GET /cart?sessionKey=
func (h *CartHandler) List(w http.ResponseWriter, r *http.Request) {
	h.writeCart(w, r, r.URL.Query().Get("sessionKey"), nil)
}

func (h *CartHandler) writeCart(w http.ResponseWriter, r *http.Request, sessionKey string, extra map[string]any) {
	entries, err := h.cart.List(r.Context(), sessionKey)
	if err != nil {
		writeError(w, err)
		return
	}

	body := formatCart(entries, h.cart.MaxItems())
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}
