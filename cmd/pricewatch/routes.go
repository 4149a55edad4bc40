package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hazyhaar/pricewatch/kit"
	"github.com/hazyhaar/pricewatch/pricewatch"
)

// maxImportBytes caps target import uploads.
const maxImportBytes = 10 << 20

func routes(svc *pricewatch.Service, mcpSrv *mcp.Server, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.GetHead)
	r.Use(middleware.SetHeader("X-Content-Type-Options", "nosniff"))
	r.Use(middleware.SetHeader("X-Frame-Options", "DENY"))
	r.Use(middleware.SetHeader("Referrer-Policy", "no-referrer"))
	r.Use(requestContext)
	r.Use(accessLog(logger))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "running": svc.Running()})
	})

	r.Route("/api/runs", func(r chi.Router) {
		r.Post("/", func(w http.ResponseWriter, r *http.Request) {
			var filter *pricewatch.TargetFilter
			if r.ContentLength != 0 {
				var f pricewatch.TargetFilter
				if err := json.NewDecoder(r.Body).Decode(&f); err != nil && !errors.Is(err, io.EOF) {
					writeError(w, http.StatusBadRequest, err)
					return
				}
				if len(f.IDs) > 0 || f.Profile != "" || f.URLContains != "" {
					filter = &f
				}
			}
			sum, err := svc.TriggerRun(r.Context(), filter)
			if err != nil {
				body := map[string]any{"error": err.Error()}
				if sum != nil {
					body["summary"] = sum
				}
				writeJSON(w, errStatus(err), body)
				return
			}
			writeJSON(w, http.StatusOK, sum)
		})

		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			runs, err := svc.Runs(r.Context(), queryInt(r, "limit", 20))
			if err != nil {
				writeError(w, errStatus(err), err)
				return
			}
			writeJSON(w, http.StatusOK, runs)
		})

		r.Get("/{runID}", func(w http.ResponseWriter, r *http.Request) {
			run, err := svc.Run(r.Context(), chi.URLParam(r, "runID"))
			if err != nil {
				writeError(w, errStatus(err), err)
				return
			}
			writeJSON(w, http.StatusOK, run)
		})
	})

	r.Get("/api/history", func(w http.ResponseWriter, r *http.Request) {
		q, err := historyQuery(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		res, err := svc.QueryHistory(r.Context(), q)
		if err != nil {
			writeError(w, errStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	})

	r.Get("/api/history/export", func(w http.ResponseWriter, r *http.Request) {
		q, err := historyQuery(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		format := r.URL.Query().Get("format")
		var buf bytes.Buffer
		ct, err := svc.ExportTo(r.Context(), &buf, q, format)
		if err != nil {
			writeError(w, errStatus(err), err)
			return
		}
		ext := "xlsx"
		if strings.HasPrefix(ct, "text/csv") {
			ext = "csv"
		}
		name := fmt.Sprintf("pricewatch-history-%s.%s", time.Now().UTC().Format("20060102"), ext)
		w.Header().Set("Content-Type", ct)
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
		w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
		w.WriteHeader(http.StatusOK)
		buf.WriteTo(w)
	})

	r.Get("/api/targets", func(w http.ResponseWriter, r *http.Request) {
		list, err := svc.Targets(r.Context())
		if err != nil {
			writeError(w, errStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"targets": list, "count": len(list)})
	})

	r.Delete("/api/targets/{targetID}", func(w http.ResponseWriter, r *http.Request) {
		if err := svc.DeleteTarget(r.Context(), chi.URLParam(r, "targetID")); err != nil {
			writeError(w, errStatus(err), err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/api/targets/{targetID}/enable", setTargetEnabled(svc, true))
	r.Post("/api/targets/{targetID}/disable", setTargetEnabled(svc, false))

	r.Post("/api/targets/import", func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxImportBytes)
		var src io.Reader = r.Body
		if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mt == "multipart/form-data" {
			file, _, err := r.FormFile("file")
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("multipart field \"file\": %w", err))
				return
			}
			defer file.Close()
			src = file
		}
		res, err := svc.ImportTargets(r.Context(), src)
		if err != nil {
			writeError(w, errStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	})

	r.Handle("/metrics", promhttp.Handler())

	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpSrv }, nil)
	r.Handle("/mcp", mcpHandler)
	r.Handle("/mcp/*", mcpHandler)

	return r
}

// requestContext copies the chi request ID into the kit context.
func setTargetEnabled(svc *pricewatch.Service, enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "targetID")
		if err := svc.SetTargetEnabled(r.Context(), id, enabled); err != nil {
			writeError(w, errStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "enabled": enabled})
	}
}

func requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := kit.WithTransport(r.Context(), "http")
		if id := middleware.GetReqID(ctx); id != "" {
			ctx = kit.WithRequestID(ctx, id)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func accessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.LogAttrs(r.Context(), slog.LevelDebug, "http: request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", kit.GetRequestID(r.Context())))
		})
	}
}

// errStatus maps service errors to HTTP status codes.
func errStatus(err error) int {
	switch {
	case errors.Is(err, pricewatch.ErrInvalidInput), errors.Is(err, pricewatch.ErrUnknownProfile):
		return http.StatusBadRequest
	case errors.Is(err, pricewatch.ErrNotFound), errors.Is(err, pricewatch.ErrNoTargets):
		return http.StatusNotFound
	case errors.Is(err, pricewatch.ErrRunInProgress):
		return http.StatusConflict
	case errors.Is(err, pricewatch.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusInternalServerError
}

// historyQuery reads a history query from URL parameters. Dates are RFC 3339
// or YYYY-MM-DD; a bare "to" date includes that whole day.
func historyQuery(r *http.Request) (pricewatch.HistoryQuery, error) {
	v := r.URL.Query()
	q := pricewatch.HistoryQuery{
		ProductKey: v.Get("product_key"),
		Text:       v.Get("q"),
		Seller:     v.Get("seller"),
		Limit:      queryInt(r, "limit", 0),
	}
	var err error
	if q.From, err = parseTime(v.Get("from"), false); err != nil {
		return q, fmt.Errorf("from: %w", err)
	}
	if q.To, err = parseTime(v.Get("to"), true); err != nil {
		return q, fmt.Errorf("to: %w", err)
	}
	return q, nil
}

func parseTime(s string, endOfDay bool) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither RFC 3339 nor YYYY-MM-DD", s)
	}
	if endOfDay {
		d = d.Add(24*time.Hour - time.Millisecond)
	}
	return d, nil
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
