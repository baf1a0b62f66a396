package catalog

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"MiniCart/pkg/kit"
)

const DefaultLimit = 10

type Lister interface {
	List(ctx context.Context, limit int) ([]Product, error)
}

type Server struct {
	Catalog Lister
	Limit   int
	Log     *zap.Logger
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/", s.list)
	return r
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	limit := s.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	products, err := s.Catalog.List(r.Context(), limit)
	if err != nil {
		if s.Log != nil {
			s.Log.Error("list products failed", zap.Error(err), zap.Int("limit", limit))
		}
		kit.WriteError(w, r, http.StatusInternalServerError, "Error fetching products", err.Error())
		return
	}
	kit.WriteJSON(w, http.StatusOK, products)
}
