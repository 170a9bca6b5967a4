//go:build swagger

package httpapi

import (
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/go-chi/chi/v5"

	_ "genpool/internal/httpapi/docs"
)

// MountSwagger serves the interactive API explorer at /swagger/index.html.
// Built only with -tags=swagger so the default binary carries no swag
// runtime dependency.
func MountSwagger(r chi.Router) {
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))
}
