package handlers

import (
	"net/http"
)

func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func allowMethod(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

// NewMux registers every endpoint of h.
func NewMux(h *Handler) *http.ServeMux {
	mux := http.NewServeMux()
	for _, route := range []struct {
		path    string
		method  string
		handler http.HandlerFunc
	}{
		{"/health", http.MethodGet, h.Health},
		{"/status", http.MethodGet, h.Status},
		{"/labels", http.MethodGet, h.Labels},
		{"/metrics", http.MethodGet, h.Metrics},
		{"/session/start", http.MethodPost, h.Start},
		{"/session/stop", http.MethodPost, h.Stop},
		{"/session/toggle", http.MethodPost, h.Toggle},
		{"/session/device", http.MethodPost, h.Device},
		{"/speech", http.MethodPost, h.Speech},
		{"/predict/image", http.MethodPost, h.PredictFromImage},
		{"/predictions/recent", http.MethodGet, h.RecentPredictions},
		{"/predictions/similar", http.MethodPost, h.SimilarPredictions},
	} {
		mux.HandleFunc(route.path, enableCORS(allowMethod(route.method, route.handler)))
	}
	return mux
}
