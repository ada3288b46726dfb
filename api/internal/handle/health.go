package handle

import (
	"context"
	"net/http"
	"time"
)

// --- HEALTHZ ----------------------------------------------------------------

// Healthz — живость процесса плюс доступность Postgres.
func (h *Handle) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.PingContext(ctx); err != nil {
			http.Error(w, "db: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	_, _ = w.Write([]byte("ok"))
}
