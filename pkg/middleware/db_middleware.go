package middleware

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/iota-uz/sheet-ingest/pkg/composables"
	"github.com/iota-uz/sheet-ingest/pkg/repo"
)

// ProvidePool binds pool to every request context so services can open transactions with composables.InTx.
func ProvidePool(pool repo.Pool) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(composables.WithPool(r.Context(), pool)))
		})
	}
}
