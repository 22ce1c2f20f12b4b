// Package ops serves the agent's operational HTTP endpoints: health, metrics and the
// pending command table.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mdmrelay/mdm-agent/internal/correlate"
	"github.com/mdmrelay/mdm-agent/internal/feed"
)

// FeedStatus reports the subscriber's connection state.
type FeedStatus interface {
	State() feed.State
	Attempts() int64
}

// PendingLister lists outstanding command expectations.
type PendingLister interface {
	Pending() []correlate.Pending
}

type health struct {
	Status   string `json:"status"`
	Feed     string `json:"feed"`
	Attempts int64  `json:"attempts"`
	Pending  int    `json:"pending"`
}

// NewRouter builds the ops router.
func NewRouter(status FeedStatus, pending PendingLister) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		st := status.State()
		h := health{
			Status:   "ok",
			Feed:     st.String(),
			Attempts: status.Attempts(),
			Pending:  len(pending.Pending()),
		}
		code := http.StatusOK
		if st != feed.StateConnected {
			h.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, h)
	}).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/v1/pending", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, pending.Pending())
	}).Methods(http.MethodGet)

	r.HandleFunc("/v1/pending/{udid}", func(w http.ResponseWriter, r *http.Request) {
		udid := mux.Vars(r)["udid"]
		out := []correlate.Pending{}
		for _, p := range pending.Pending() {
			if strings.EqualFold(p.DeviceID, udid) {
				out = append(out, p)
			}
		}
		writeJSON(w, http.StatusOK, out)
	}).Methods(http.MethodGet)

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// Serve runs handler on addr until ctx is done, then shuts down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *log.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("Ops endpoint listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
