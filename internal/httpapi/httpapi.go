// Package httpapi serves the REST surface that sits beside the socket
// gateway: health and metrics probes plus the per-user preference and
// recent-room endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/slowplay/slowplay/internal/auth"
	"github.com/slowplay/slowplay/internal/monitoring"
	"github.com/slowplay/slowplay/internal/store"
)

const maxPreferencesBody = 16 * 1024

// API wires the REST routes.
type API struct {
	store    *store.Store
	verifier *auth.Verifier
	logger   zerolog.Logger
	started  time.Time
}

// New creates the API handler set.
func New(st *store.Store, verifier *auth.Verifier, logger zerolog.Logger) *API {
	return &API{
		store:    st,
		verifier: verifier,
		logger:   logger.With().Str("component", "httpapi").Logger(),
		started:  time.Now(),
	}
}

// Register attaches the REST routes to a router.
func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", monitoring.MetricsHandler()).Methods(http.MethodGet)

	user := r.PathPrefix("/api/user").Subrouter()
	user.Use(a.requireAuth)
	user.HandleFunc("/preferences", a.handleGetPreferences).Methods(http.MethodGet)
	user.HandleFunc("/preferences", a.handlePatchPreferences).Methods(http.MethodPatch)
	user.HandleFunc("/recent-rooms", a.handleRecentRooms).Methods(http.MethodGet)
}

type healthResponse struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
	MemoryUsedPct float64 `json:"memoryUsedPct"`
	CPUPct        float64 `json:"cpuPct"`
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		UptimeSeconds: time.Since(a.started).Seconds(),
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		resp.MemoryUsedPct = vm.UsedPercent
	}
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		resp.CPUPct = pcts[0]
	}
	writeJSON(w, http.StatusOK, resp)
}

type identityKey struct{}

// requireAuth resolves the bearer token into an identity. Requests without a
// usable identity get 401; the socket gateway has its own guest path, the
// REST surface does not.
func (a *API) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" || !a.verifier.Enabled() {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
			return
		}
		id, err := a.verifier.Verify(r.Context(), token)
		if err != nil {
			a.logger.Debug().Err(err).Msg("token rejected")
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	})
}

func identityFrom(r *http.Request) auth.Identity {
	id, _ := r.Context().Value(identityKey{}).(auth.Identity)
	return id
}

func (a *API) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	prefs, err := a.store.GetPreferences(r.Context(), id.UserID)
	if err != nil {
		a.logger.Error().Err(err).Str("user_id", id.UserID).Msg("load preferences failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "storage failure"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, prefs)
}

func (a *API) handlePatchPreferences(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPreferencesBody+1))
	if err != nil || len(body) > maxPreferencesBody {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body too large"})
		return
	}
	if !json.Valid(body) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "preferences must be a JSON object"})
		return
	}

	// Merge the patch over the stored object so a partial update cannot
	// clobber unrelated keys.
	current, err := a.store.GetPreferences(r.Context(), id.UserID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "storage failure"})
		return
	}
	merged, err := mergeJSON(current, body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "preferences must be a JSON object"})
		return
	}
	if err := a.store.SetPreferences(r.Context(), id.UserID, merged); err != nil {
		a.logger.Error().Err(err).Str("user_id", id.UserID).Msg("save preferences failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "storage failure"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, merged)
}

func (a *API) handleRecentRooms(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	rooms, err := a.store.GetRecentRooms(r.Context(), id.UserID)
	if err != nil {
		a.logger.Error().Err(err).Str("user_id", id.UserID).Msg("load recent rooms failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "storage failure"})
		return
	}
	if rooms == nil {
		rooms = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": rooms})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(h[len("Bearer "):])
	}
	return ""
}

func mergeJSON(current string, patch []byte) (string, error) {
	base := map[string]any{}
	if current != "" {
		if err := json.Unmarshal([]byte(current), &base); err != nil {
			base = map[string]any{}
		}
	}
	var overlay map[string]any
	if err := json.Unmarshal(patch, &overlay); err != nil {
		return "", err
	}
	for k, v := range overlay {
		if v == nil {
			delete(base, k)
			continue
		}
		base[k] = v
	}
	out, err := json.Marshal(base)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
