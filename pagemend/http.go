package pagemend

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hazyhaar/pagemend/pagemend/internal/shield"
	"github.com/hazyhaar/pagemend/rules"
)

// Handler returns the HTTP API:
//
//	GET    /healthz
//	GET    /status
//	GET    /rules
//	POST   /pages          body: PageConfig
//	DELETE /pages/{id}
//	GET    /rewrite?url=&mode=&rule=&format=html
//	GET    /events?page=&limit=
//	GET    /metrics
func (m *Mender) Handler() http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.Stack(m.logger, 1<<20) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, m.Status())
	})

	r.Get("/rules", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, rules.Names())
	})

	r.Route("/pages", func(r chi.Router) {
		r.Post("/", func(w http.ResponseWriter, r *http.Request) {
			var pc PageConfig
			if err := json.NewDecoder(r.Body).Decode(&pc); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			if err := m.ApplyPage(r.Context(), pc); err != nil {
				shield.Logger(r.Context()).Warn("pagemend: apply page", "url", pc.URL, "error", err)
				writeError(w, applyStatus(err), err)
				return
			}
			pc.ApplyDefaults()
			writeJSON(w, http.StatusCreated, map[string]string{"id": pc.ID, "status": "applied"})
		})
		r.Delete("/{id}", func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, "id")
			found, err := m.StopPage(r.Context(), id)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			if !found {
				writeError(w, http.StatusNotFound, errors.New("page not found"))
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "stopped"})
		})
	})

	r.Get("/rewrite", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		target := q.Get("url")
		if target == "" {
			writeError(w, http.StatusBadRequest, errors.New("url is required"))
			return
		}
		var names []string
		for _, v := range q["rule"] {
			for _, n := range strings.Split(v, ",") {
				if n = strings.TrimSpace(n); n != "" {
					names = append(names, n)
				}
			}
		}
		res, err := m.Rewrite(r.Context(), target, RewriteOptions{Mode: q.Get("mode"), Rules: names})
		if err != nil {
			shield.Logger(r.Context()).Warn("pagemend: rewrite", "url", target, "error", err)
			writeError(w, rewriteStatus(err), err)
			return
		}
		if q.Get("format") == "html" {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.Header().Set("X-Pagemend-Applied", strconv.Itoa(res.Applied()))
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(res.HTML))
			return
		}
		writeJSON(w, http.StatusOK, res)
	})

	r.Get("/events", func(w http.ResponseWriter, r *http.Request) {
		if m.events == nil {
			writeError(w, http.StatusNotFound, errors.New("no event log configured"))
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		evs, err := m.events.Recent(r.Context(), r.URL.Query().Get("page"), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, evs)
	})

	r.Handle("/metrics", promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}))
	return r
}

func applyStatus(err error) int {
	switch {
	case errors.Is(err, ErrNoRules):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrInvalid):
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}

func rewriteStatus(err error) int {
	switch {
	case errors.Is(err, ErrNoRules):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrInvalid):
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
