package cart

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"MiniCart/internal/catalog"
	"MiniCart/pkg/kit"
)

type ProductGetter interface {
	Get(ctx context.Context, id int) (catalog.Product, error)
}

type Server struct {
	Store   Store
	Catalog ProductGetter
	Log     *zap.Logger

	Now        func() time.Time
	NewOrderID func() string
}

type addReq struct {
	CartID string    `json:"cartId" validate:"required"`
	ProdID productID `json:"prodId" validate:"required"`
	Qty    int       `json:"qty" validate:"required"`
}

type checkoutReq struct {
	CartID string `json:"cartId" validate:"required"`
	Name   string `json:"name" validate:"required"`
	Email  string `json:"email" validate:"required"`
}

type removeResp struct {
	Message string `json:"message"`
	Cart    Cart   `json:"cart"`
}

// Routes serves the cart collection; mount it under /api/cart.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/", s.get)
	r.Post("/", s.add)
	r.Delete("/{id}", s.remove)
	return r
}

func (s *Server) CheckoutHandler() http.HandlerFunc { return s.checkout }

func (s *Server) add(w http.ResponseWriter, r *http.Request) {
	var req addReq
	if !s.decode(w, r, &req) {
		return
	}

	p, err := s.Catalog.Get(r.Context(), int(req.ProdID))
	if errors.Is(err, catalog.ErrProductNotFound) {
		kit.WriteError(w, r, http.StatusNotFound, "Product not found", map[string]any{"prodId": req.ProdID})
		return
	}
	if err != nil {
		s.serverError(w, r, "Error adding to cart", err, zap.String("cart_id", req.CartID), zap.Int("product_id", int(req.ProdID)))
		return
	}

	c, err := s.Store.Update(r.Context(), req.CartID, func(c *Cart, _ bool) error {
		c.ApplyDelta(LineItem{ProductID: p.ID, Name: p.Name, Price: p.Price}, req.Qty)
		return nil
	})
	if err != nil {
		s.serverError(w, r, "Error adding to cart", err, zap.String("cart_id", req.CartID), zap.Int("product_id", int(req.ProdID)))
		return
	}

	kit.WriteJSON(w, http.StatusOK, c)
}

func (s *Server) remove(w http.ResponseWriter, r *http.Request) {
	cartID := r.URL.Query().Get("cartId")
	if cartID == "" {
		kit.WriteError(w, r, http.StatusBadRequest, "Missing cartId", nil)
		return
	}
	rawID := chi.URLParam(r, "id")

	c, err := s.Store.Update(r.Context(), cartID, func(c *Cart, exists bool) error {
		if !exists {
			return ErrCartNotFound
		}
		if id, ok := parseProductID(rawID); ok {
			c.Remove(id)
		}
		return nil
	})
	if errors.Is(err, ErrCartNotFound) {
		kit.WriteError(w, r, http.StatusNotFound, "Cart not found", map[string]any{"cartId": cartID})
		return
	}
	if err != nil {
		s.serverError(w, r, "Error deleting item", err, zap.String("cart_id", cartID), zap.String("product_id", rawID))
		return
	}

	kit.WriteJSON(w, http.StatusOK, removeResp{Message: "Item removed", Cart: c})
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	cartID := r.URL.Query().Get("cartId")
	if cartID == "" {
		kit.WriteJSON(w, http.StatusOK, Empty())
		return
	}

	c, ok, err := s.Store.Get(r.Context(), cartID)
	if err != nil {
		s.serverError(w, r, "Error getting cart", err, zap.String("cart_id", cartID))
		return
	}
	if !ok {
		kit.WriteJSON(w, http.StatusOK, Empty())
		return
	}
	kit.WriteJSON(w, http.StatusOK, c)
}

func (s *Server) checkout(w http.ResponseWriter, r *http.Request) {
	var req checkoutReq
	if !s.decode(w, r, &req) {
		return
	}

	c, ok, err := s.Store.Take(r.Context(), req.CartID)
	if err != nil {
		s.serverError(w, r, "Checkout failed", err, zap.String("cart_id", req.CartID))
		return
	}
	if !ok {
		kit.WriteError(w, r, http.StatusNotFound, "Cart not found", map[string]any{"cartId": req.CartID})
		return
	}

	c.CartID = req.CartID
	receipt := NewReceipt(c, req.Name, req.Email, s.orderID(), s.now())
	if s.Log != nil {
		s.Log.Info("mock checkout",
			zap.String("cart_id", receipt.CartID),
			zap.String("order_id", receipt.OrderID),
			zap.Int("items", len(receipt.Items)),
			zap.Float64("total", receipt.Total),
		)
	}
	kit.WriteJSON(w, http.StatusOK, receipt)
}

// decode writes the 400 itself and reports whether the handler may continue.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	// an empty body is treated as {} so the missing fields get reported
	if err := kit.DecodeJSON(w, r, dst); err != nil && !errors.Is(err, io.EOF) {
		kit.WriteError(w, r, http.StatusBadRequest, "bad json", err.Error())
		return false
	}
	if err := kit.Validate(dst); err != nil {
		var ve *kit.ValidationError
		if errors.As(err, &ve) {
			kit.WriteError(w, r, http.StatusBadRequest, "Missing required fields", ve.Fields())
			return false
		}
		kit.WriteError(w, r, http.StatusBadRequest, "Missing required fields", err.Error())
		return false
	}
	return true
}

func (s *Server) serverError(w http.ResponseWriter, r *http.Request, msg string, err error, fields ...zap.Field) {
	if s.Log != nil {
		s.Log.Error(strings.ToLower(msg), append(fields, zap.Error(err))...)
	}
	kit.WriteError(w, r, http.StatusInternalServerError, msg, err.Error())
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Server) orderID() string {
	if s.NewOrderID != nil {
		return s.NewOrderID()
	}
	return uuid.NewString()
}

// productID decodes a JSON number or a numeric string ("7", 7, 7.0).
type productID int

func (p *productID) UnmarshalJSON(b []byte) error {
	raw := string(b)
	if raw == "null" {
		return nil
	}
	id, ok := parseProductID(strings.Trim(raw, `"`))
	if !ok {
		return fmt.Errorf("invalid product id %s", raw)
	}
	*p = productID(id)
	return nil
}

// parseProductID accepts any numeric spelling of an integer id ("7", "7.0", " 7 ").
// Anything else matches no line item.
func parseProductID(raw string) (int, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}
