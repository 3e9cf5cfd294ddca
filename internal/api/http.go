package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/pinme/tacho-gateway/internal/config"
	"github.com/pinme/tacho-gateway/internal/gateway"
	"github.com/pinme/tacho-gateway/internal/logging"
	"github.com/pinme/tacho-gateway/internal/metrics"
	"github.com/pinme/tacho-gateway/internal/relay"
	"github.com/pinme/tacho-gateway/internal/service"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Version information (set via ldflags in production builds)
var (
	Version   = ""
	BuildTime = ""
	GitCommit = ""
)

func init() {
	// Dev builds take what they can from the VCS stamp.
	if Version == "" {
		Version = "dev"
		if info, ok := debug.ReadBuildInfo(); ok {
			var vcsRevision, vcsTime string
			var vcsModified bool
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs.revision":
					vcsRevision = setting.Value
				case "vcs.time":
					vcsTime = setting.Value
				case "vcs.modified":
					vcsModified = setting.Value == "true"
				}
			}
			if vcsRevision != "" {
				shortCommit := vcsRevision
				if len(shortCommit) > 7 {
					shortCommit = shortCommit[:7]
				}
				GitCommit = vcsRevision
				Version = "dev-" + shortCommit
				if vcsModified {
					Version += "-dirty"
				}
			}
			if vcsTime != "" {
				BuildTime = vcsTime
			}
		}
	}
}

// RelayLister reports running relays.
type RelayLister interface {
	Active() []relay.Status
}

// Options wires a Server. Monitor, Relays, Service and Shutdown are optional.
type Options struct {
	Gateway  *gateway.Gateway
	Monitor  *gateway.Monitor
	Relays   RelayLister
	Service  service.Service
	Shutdown func()
}

// Server is the HTTP surface of the gateway.
type Server struct {
	gw       *gateway.Gateway
	monitor  *gateway.Monitor
	relays   RelayLister
	svc      service.Service
	shutdown func()
	hub      *WSHub
	started  time.Time
}

func NewServer(opts Options) *Server {
	return &Server{
		gw:       opts.Gateway,
		monitor:  opts.Monitor,
		relays:   opts.Relays,
		svc:      opts.Service,
		shutdown: opts.Shutdown,
		hub:      NewWSHub(),
		started:  time.Now(),
	}
}

// Hub returns the live feed hub; the caller runs it.
func (s *Server) Hub() *WSHub {
	return s.hub
}

// NewMux constructs the HTTP mux for the API.
func (s *Server) NewMux() *http.ServeMux {
	mux := http.NewServeMux()

	// Card access
	mux.HandleFunc("/", corsMiddleware(s.handleRoot))
	mux.HandleFunc("/release", corsMiddleware(s.handleRelease))
	mux.HandleFunc("/lock", corsMiddleware(s.handleLock))
	mux.HandleFunc("/getatr", corsMiddleware(s.handleGetATR))
	mux.HandleFunc("/apdu", corsMiddleware(s.handleAPDU))
	mux.HandleFunc("/unlock", corsMiddleware(s.handleUnlock))

	// Reader diagnostics
	mux.HandleFunc("/readers", corsMiddleware(s.handleReaders))
	mux.HandleFunc("/readernames", corsMiddleware(s.handleReaderNames))
	mux.HandleFunc("/icc", corsMiddleware(s.handleICC))
	mux.HandleFunc("/reset", corsMiddleware(s.handleReset))
	mux.HandleFunc("/version", corsMiddleware(handleVersion))
	mux.HandleFunc("/test", corsMiddleware(s.handleTest))

	mux.HandleFunc("/v1/version", corsMiddleware(handleVersion))
	mux.HandleFunc("/v1/health", corsMiddleware(s.handleHealth))
	mux.HandleFunc("/v1/locks", corsMiddleware(s.handleLocks))
	mux.HandleFunc("/v1/relays", corsMiddleware(s.handleRelays))
	mux.HandleFunc("/v1/logs", corsMiddleware(handleLogs))
	mux.HandleFunc("/v1/crashes", corsMiddleware(handleCrashes))
	mux.HandleFunc("/v1/settings", corsMiddleware(handleSettings))
	mux.HandleFunc("/v1/autostart", corsMiddleware(s.handleAutostart))
	mux.HandleFunc("/v1/shutdown", corsMiddleware(s.handleShutdown))
	mux.HandleFunc("/v1/ws", s.hub.ServeWS(s))
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Handler returns the mux wrapped with request metrics.
func (s *Server) Handler() http.Handler {
	return metrics.HTTPMiddleware(s.NewMux())
}

// recoveryMiddleware catches panics and logs them to crash files.
func recoveryMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				stack := debug.Stack()
				context := fmt.Sprintf("HTTP %s %s", r.Method, r.URL.Path)

				logging.CapturePanic(rec, stack, context)
				logging.Error(logging.CatHTTP, fmt.Sprintf("PANIC in %s: %v", context, rec), map[string]any{
					"panic":  fmt.Sprintf("%v", rec),
					"stack":  string(stack),
					"method": r.Method,
					"path":   r.URL.Path,
				})

				crashFile, err := logging.WriteCrashLog(rec, stack)
				if err != nil {
					fmt.Fprintf(os.Stderr, "Failed to write crash log: %v\n", err)
					crashFile = ""
				}

				fmt.Fprintf(os.Stderr, "\n=== PANIC in %s ===\n%v\n\nStack trace:\n%s\n", context, rec, string(stack))

				respondJSON(w, http.StatusInternalServerError, map[string]string{
					"error":     "internal server error",
					"crashFile": crashFile,
				})
			}
		}()
		next(w, r)
	}
}

// corsMiddleware adds CORS headers to allow browser access from any origin.
func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		recoveryMiddleware(next)(w, r)
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data) // header already sent
}

func respondText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

// statusFor maps gateway error kinds to HTTP status codes.
func statusFor(err error) int {
	var te *gateway.TransportError
	switch {
	case errors.Is(err, gateway.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrConflict):
		return http.StatusConflict
	case errors.As(err, &te):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	data := map[string]any{
		"method": r.Method,
		"path":   r.URL.Path,
		"status": status,
		"error":  err.Error(),
	}
	if status >= http.StatusInternalServerError {
		logging.Error(logging.CatHTTP, "Request failed", data)
	} else {
		logging.Warn(logging.CatHTTP, "Request rejected", data)
	}
	respondJSON(w, status, map[string]string{"error": err.Error()})
}

func methodNotAllowed(w http.ResponseWriter) {
	http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
}

func requireQuery(w http.ResponseWriter, r *http.Request, key string) (string, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": key + " is required",
		})
		return "", false
	}
	return v, true
}

// handleRoot is the liveness probe (GET) and the one-shot APDU flow (POST).
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		respondText(w, http.StatusOK, "ok")

	case http.MethodPost:
		var req gateway.SendAPDURequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid request body: " + err.Error(),
			})
			return
		}
		// Early clients pass the command in the query string.
		if req.APDU == "" {
			req.APDU = r.URL.Query().Get("apdu")
		}

		rsp, err := s.gw.SendAPDU(req)
		if err != nil {
			respondError(w, r, err)
			return
		}
		respondText(w, http.StatusOK, rsp)

	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var device gateway.Device
	if err := json.NewDecoder(r.Body).Decode(&device); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
		return
	}
	if err := s.gw.Release(device); err != nil {
		respondError(w, r, err)
		return
	}
	respondText(w, http.StatusOK, "ok")
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	icc, ok := requireQuery(w, r, "icc")
	if !ok {
		return
	}

	id, err := s.gw.Lock(icc)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondText(w, http.StatusOK, id)
}

func (s *Server) handleGetATR(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	id, ok := requireQuery(w, r, "sessionid")
	if !ok {
		return
	}

	atr, err := s.gw.ATR(id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondText(w, http.StatusOK, atr)
}

func (s *Server) handleAPDU(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	id, ok := requireQuery(w, r, "sessionid")
	if !ok {
		return
	}
	cmd, ok := requireQuery(w, r, "apdu")
	if !ok {
		return
	}

	rsp, err := s.gw.APDU(id, cmd)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondText(w, http.StatusOK, rsp)
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	id, ok := requireQuery(w, r, "sessionid")
	if !ok {
		return
	}

	if err := s.gw.Unlock(id); err != nil {
		respondError(w, r, err)
		return
	}
	respondText(w, http.StatusOK, "ok")
}

func (s *Server) handleReaders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	respondJSON(w, http.StatusOK, s.gw.Readers())
}

func (s *Server) handleReaderNames(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	respondJSON(w, http.StatusOK, s.gw.Registry().ReaderNames())
}

func (s *Server) handleICC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	if name := r.URL.Query().Get("readerName"); name != "" {
		icc, err := s.gw.ICCForReader(name)
		if err != nil {
			respondError(w, r, err)
			return
		}
		respondText(w, http.StatusOK, icc)
		return
	}
	respondJSON(w, http.StatusOK, s.gw.Registry().ICCs())
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	res, err := s.gw.ResetReader(r.URL.Query().Get("readerName"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// handleTest runs a scan cycle now and returns its result.
func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if s.monitor == nil {
		respondJSON(w, http.StatusOK, s.gw.Readers())
		return
	}

	infos, err := s.monitor.Scan(r.Context())
	if err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "reader scan failed: " + err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, infos)
}

func handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"version":   Version,
		"buildTime": BuildTime,
		"gitCommit": GitCommit,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	relays := 0
	if s.relays != nil {
		relays = len(s.relays.Active())
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"uptime":   time.Since(s.started).Round(time.Second).String(),
		"registry": s.gw.Registry().Stats(),
		"locks":    len(s.gw.Locks()),
		"sessions": s.gw.Sessions().Len(),
		"relays":   relays,
		"clients":  s.hub.ClientCount(),
	})
}

func (s *Server) handleLocks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"locks":    s.gw.Locks(),
			"sessions": s.gw.Sessions().List(),
		})

	case http.MethodDelete:
		icc, ok := requireQuery(w, r, "icc")
		if !ok {
			return
		}
		s.gw.ForceUnlock(icc)
		respondJSON(w, http.StatusOK, map[string]string{
			"success": "lock released",
		})

	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleRelays(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	active := []relay.Status{}
	if s.relays != nil {
		active = s.relays.Active()
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"enabled": config.Get().IsRelayEnabled(),
		"relays":  active,
	})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	if s.shutdown == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "shutdown not available",
		})
		return
	}

	logging.Info(logging.CatSystem, "Shutdown requested via API", nil)
	respondJSON(w, http.StatusOK, map[string]string{
		"success": "shutting down",
	})

	go s.shutdown()
}

func (s *Server) handleAutostart(w http.ResponseWriter, r *http.Request) {
	if s.svc == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "auto-start not available",
		})
		return
	}

	switch r.Method {
	case http.MethodGet:
		status, _ := s.svc.Status()
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"enabled": s.svc.IsInstalled(),
			"status":  status,
		})

	case http.MethodPost:
		if s.svc.IsInstalled() {
			respondJSON(w, http.StatusOK, map[string]string{
				"success": "auto-start already enabled",
			})
			return
		}

		if err := s.svc.Install(); err != nil {
			logging.Error(logging.CatSystem, "Failed to enable auto-start", map[string]any{
				"error": err.Error(),
			})
			respondJSON(w, http.StatusInternalServerError, map[string]string{
				"error": err.Error(),
			})
			return
		}

		logging.Info(logging.CatSystem, "Auto-start enabled via API", nil)
		respondJSON(w, http.StatusOK, map[string]string{
			"success": "auto-start enabled",
		})

	case http.MethodDelete:
		if !s.svc.IsInstalled() {
			respondJSON(w, http.StatusOK, map[string]string{
				"success": "auto-start already disabled",
			})
			return
		}

		if err := s.svc.Uninstall(); err != nil {
			logging.Error(logging.CatSystem, "Failed to disable auto-start", map[string]any{
				"error": err.Error(),
			})
			respondJSON(w, http.StatusInternalServerError, map[string]string{
				"error": err.Error(),
			})
			return
		}

		logging.Info(logging.CatSystem, "Auto-start disabled via API", nil)
		respondJSON(w, http.StatusOK, map[string]string{
			"success": "auto-start disabled",
		})

	default:
		methodNotAllowed(w)
	}
}

func handleLogs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		query := r.URL.Query()

		// Limit (default 100, max 1000)
		limit := 100
		if limitStr := query.Get("limit"); limitStr != "" {
			if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
				limit = min(l, 1000)
			}
		}

		var minLevel *logging.Level
		if levelStr := query.Get("level"); levelStr != "" {
			if l, ok := logging.ParseLevel(strings.ToLower(levelStr)); ok {
				minLevel = &l
			}
		}

		var category *logging.Category
		if catStr := query.Get("category"); catStr != "" {
			c := logging.Category(catStr)
			category = &c
		}

		respondJSON(w, http.StatusOK, map[string]interface{}{
			"entries": logging.Get().GetEntries(limit, minLevel, category),
			"stats":   logging.Get().Stats(),
		})

	case http.MethodDelete:
		logging.Get().Clear()
		respondJSON(w, http.StatusOK, map[string]string{
			"success": "logs cleared",
		})

	default:
		methodNotAllowed(w)
	}
}

func handleCrashes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	query := r.URL.Query()

	if filename := query.Get("file"); filename != "" {
		content, err := logging.ReadCrashLog(filename)
		if err != nil {
			respondJSON(w, http.StatusNotFound, map[string]string{
				"error": "crash log not found: " + err.Error(),
			})
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"filename": filename,
			"content":  content,
		})
		return
	}

	limit := 20
	if limitStr := query.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = min(l, 100)
		}
	}

	logs, err := logging.GetCrashLogs(limit)
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list crash logs: " + err.Error(),
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"crashes":  logs,
		"crashDir": logging.CrashLogDir(),
	})
}

// handleSettings reads and updates the persisted preferences.
func handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		cfg := config.Get()
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"crashReporting": cfg.CrashReporting,
			"relayEnabled":   cfg.IsRelayEnabled(),
		})

	case http.MethodPost:
		var req struct {
			CrashReporting *bool `json:"crashReporting"`
			RelayEnabled   *bool `json:"relayEnabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid request body: " + err.Error(),
			})
			return
		}

		if req.CrashReporting != nil {
			if err := config.SetCrashReporting(*req.CrashReporting); err != nil {
				respondJSON(w, http.StatusInternalServerError, map[string]string{
					"error": "failed to save settings: " + err.Error(),
				})
				return
			}
		}
		if req.RelayEnabled != nil {
			if err := config.SetRelayEnabled(*req.RelayEnabled); err != nil {
				respondJSON(w, http.StatusInternalServerError, map[string]string{
					"error": "failed to save settings: " + err.Error(),
				})
				return
			}
			logging.Info(logging.CatRelay, "Relay preference changed", map[string]any{
				"enabled": *req.RelayEnabled,
			})
		}

		cfg := config.Get()
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"crashReporting": cfg.CrashReporting,
			"relayEnabled":   cfg.IsRelayEnabled(),
			"message":        "Settings updated. Crash reporting changes take effect after a restart.",
		})

	default:
		methodNotAllowed(w)
	}
}
