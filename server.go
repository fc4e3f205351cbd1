package companionsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
	"github.com/tablelink/companion-sync/protocol"
	"github.com/tablelink/companion-sync/relay"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type server struct {
	chain []func(next http.Handler) http.Handler
	final http.Handler
}

func (s *server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h := s.final
	for i := range s.chain {
		h = s.chain[len(s.chain)-1-i](h)
	}
	h.ServeHTTP(w, req)
}

func allowCORS(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept")
		if req.Method == "OPTIONS" {
			w.WriteHeader(200)
			return
		}
		next.ServeHTTP(w, req)
	}
}

// Controller is implemented by relay.Conn.
type Controller interface {
	Status() relay.Status
	Connect(sessionCode string) error
	Disconnect()
}

type clientJSON struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Username      string    `json:"username,omitempty"`
	Phase         string    `json:"phase"`
	SchemaVersion int       `json:"schemaVersion,omitempty"`
	Features      []string  `json:"features"`
	ActorID       string    `json:"actorId,omitempty"`
	LastActivity  time.Time `json:"lastActivity"`
}

type statusJSON struct {
	State       string       `json:"state"`
	SessionCode string       `json:"sessionCode,omitempty"`
	Attempts    int          `json:"reconnectAttempts"`
	Reason      string       `json:"reason,omitempty"`
	Clients     []clientJSON `json:"clients"`
}

func writeError(w http.ResponseWriter, herr *HandlerError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(herr.StatusCode)
	w.Write(herr.JSON())
}

type sessionRequest struct {
	SessionCode string `json:"sessionCode"`
}

// joinHandler starts joining the session in the body. Joining continues in the background, so the
// outcome is read from /status.
func joinHandler(src Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var body sessionRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, &HandlerError{StatusCode: 400, Err: fmt.Errorf("request body: %w", err)})
			return
		}
		code, err := protocol.ParseSessionCode(body.SessionCode)
		if err != nil {
			writeError(w, &HandlerError{StatusCode: 400, Err: err})
			return
		}
		if st := src.Status(); st.State != relay.StateDisconnected {
			writeError(w, &HandlerError{
				StatusCode: 409,
				Err:        fmt.Errorf("already in session %s (%s), disconnect first", st.SessionCode, st.State),
			})
			return
		}
		if err := src.Connect(code.String()); err != nil {
			writeError(w, &HandlerError{StatusCode: 400, Err: err})
			return
		}
		hlog.FromRequest(req).Info().Str("session", code.String()).Msg("joining session")
		out, _ := json.Marshal(sessionRequest{SessionCode: code.String()})
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(202)
		w.Write(out)
	}
}

// leaveHandler disconnects and forgets the persisted session.
func leaveHandler(src Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		src.Disconnect()
		hlog.FromRequest(req).Info().Msg("leaving session")
		w.WriteHeader(202)
	}
}

func statusHandler(src Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		st := src.Status()
		out := statusJSON{
			State:       st.State.String(),
			SessionCode: st.SessionCode,
			Attempts:    st.Attempts,
			Reason:      st.Reason,
			Clients:     make([]clientJSON, 0, len(st.Clients)),
		}
		for _, c := range st.Clients {
			features := c.Features
			if features == nil {
				features = []string{}
			}
			out.Clients = append(out.Clients, clientJSON{
				ID:            c.ID,
				Type:          string(c.Type),
				Username:      c.Info.Username,
				Phase:         c.Phase.String(),
				SchemaVersion: int(c.SchemaVersion),
				Features:      features,
				ActorID:       c.ActorID,
				LastActivity:  c.LastActivity,
			})
		}
		body, err := json.Marshal(out)
		if err != nil {
			writeError(w, &HandlerError{StatusCode: 500, Err: err})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(200)
		w.Write(body)
	}
}

// NewStatusHandler serves /status, /session and /healthz, and /metrics when withMetrics is set.
// POST /session joins the session code in the body and DELETE /session leaves it.
func NewStatusHandler(src Controller, withMetrics bool) http.Handler {
	r := mux.NewRouter()
	r.Handle("/status", allowCORS(statusHandler(src))).Methods("GET", "OPTIONS")
	r.Handle("/session", allowCORS(joinHandler(src))).Methods("POST", "OPTIONS")
	r.Handle("/session", allowCORS(leaveHandler(src))).Methods("DELETE")
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	}).Methods("GET")
	if withMetrics {
		r.Handle("/metrics", promhttp.Handler())
	}
	return &server{
		chain: []func(next http.Handler) http.Handler{
			hlog.NewHandler(logger),
			func(next http.Handler) http.Handler {
				return otelhttp.NewHandler(next, "Status")
			},
			hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
				hlog.FromRequest(r).Debug().
					Str("method", r.Method).
					Int("status", status).
					Int("size", size).
					Dur("duration", duration).
					Str("path", r.URL.Path).
					Msg("")
			}),
			hlog.RemoteAddrHandler("ip"),
		},
		final: r,
	}
}

// RunStatusServer serves h on bindAddr until ctx is cancelled.
func RunStatusServer(ctx context.Context, h http.Handler, bindAddr string) error {
	srv := &http.Server{
		Addr:              bindAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Msgf("status server listening on %s", bindAddr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type HandlerError struct {
	StatusCode int
	Err        error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("HTTP %d : %s", e.StatusCode, e.Err.Error())
}

type jsonError struct {
	Err string `json:"error"`
}

func (e HandlerError) JSON() []byte {
	je := jsonError{e.Error()}
	b, _ := json.Marshal(je)
	return b
}
