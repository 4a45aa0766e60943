package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

// Extras are optional endpoints mounted next to the API.
type Extras struct {
	Progress http.Handler
	Metrics  http.Handler
}

func NewRouter(h *Handler, extras Extras) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", h.Synthesize).Methods("POST")
	r.HandleFunc("/health", h.Health).Methods("GET")
	r.HandleFunc("/voices", h.Voices).Methods("GET")
	r.HandleFunc("/download", h.Download).Methods("GET")
	r.HandleFunc("/objects/{key:.+}", h.Object).Methods("GET", "HEAD")

	if extras.Progress != nil {
		r.Handle("/ws", extras.Progress)
	}
	if extras.Metrics != nil {
		r.Handle("/metrics", extras.Metrics).Methods("GET")
	}
	return r
}

// WithCORS wraps the router. An empty list allows every origin.
func WithCORS(next http.Handler, allowedOrigins []string) http.Handler {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(next)
}
