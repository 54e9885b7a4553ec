package waconnect

import (
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/lojahub/waconnect/internal"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

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
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept, Authorization")
		if req.Method == "OPTIONS" {
			w.WriteHeader(200)
			return
		}
		next.ServeHTTP(w, req)
	}
}

// NewRouter assembles the command surface, the metrics endpoint and the
// bridge websocket endpoint into one handler.
func NewRouter(h *Handler, bridgeHandler http.Handler) http.Handler {
	r := mux.NewRouter()
	r.Handle("/session/start", allowCORS(http.HandlerFunc(h.ServeStart))).Methods("POST", "OPTIONS")
	r.Handle("/session/status/{sessionId}", allowCORS(http.HandlerFunc(h.ServeStatus))).Methods("GET", "OPTIONS")
	r.Handle("/session/send", allowCORS(http.HandlerFunc(h.ServeSend))).Methods("POST", "OPTIONS")
	r.Handle("/session/send-media", allowCORS(http.HandlerFunc(h.ServeSendMedia))).Methods("POST", "OPTIONS")
	r.Handle("/session/media/{sessionId}/{messageId}", allowCORS(http.HandlerFunc(h.ServeMedia))).Methods("GET", "OPTIONS")
	r.Handle("/sessions", allowCORS(http.HandlerFunc(h.ServeSessions))).Methods("GET", "OPTIONS")
	r.Handle("/metrics", promhttp.Handler())
	if bridgeHandler != nil {
		r.Handle("/bridge", bridgeHandler)
	}
	return r
}

// RunConnectorServer is the main entry point to the server. Blocks forever.
func RunConnectorServer(h http.Handler, bindAddr string) {
	srv := &server{
		chain: []func(next http.Handler) http.Handler{
			hlog.NewHandler(logger),
			func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					next.ServeHTTP(w, r.WithContext(internal.RequestContext(r.Context())))
				})
			},
			hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
				if r.URL.Path == "/metrics" {
					return
				}
				entry := hlog.FromRequest(r).Info().
					Str("method", r.Method).
					Int("status", status).
					Int("size", size).
					Dur("duration", duration).
					Str("path", r.URL.Path)
				internal.DecorateLogger(r.Context(), entry).Msg("")
			}),
			hlog.RemoteAddrHandler("ip"),
		},
		final: otelhttp.NewHandler(h, "waconnect"),
	}

	logger.Info().Msgf("listening on %s", bindAddr)
	if err := http.ListenAndServe(bindAddr, srv); err != nil {
		logger.Fatal().Err(err).Msg("failed to listen and serve")
	}
}
