// Package httpserver — маршруты сервиса на DefaultServeMux: туда же
// вешает свой webhook telegram-библиотека, поэтому mux общий.
package httpserver

import (
	"net/http"

	"grade-bot/api/internal/handle"
	"grade-bot/api/internal/logx"
	"grade-bot/api/internal/metrics"
)

func StartHTTP(addr string, h *handle.Handle) error {
	http.HandleFunc("/v1/grade", h.Grade)
	http.HandleFunc("/healthz", h.Healthz)
	http.Handle("/metrics", metrics.Handler())
	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("grade-bot"))
	})
	logx.Info().Str("addr", addr).Msg("http: listening")
	return http.ListenAndServe(addr, nil)
}
