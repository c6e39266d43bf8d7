// Package admin expõe endpoints de operação do gateway (/admin/...).
//
// Toda rota exige o header X-Admin-Secret, conferido contra um hash bcrypt.
// Sem hash configurado as rotas respondem 403 sempre.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"findata-gateway/account"
	"findata-gateway/apierror"
	"findata-gateway/breaker"
	"findata-gateway/middleware/ratelimit/infra"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

const HeaderSecret = "X-Admin-Secret"

type KeyRefresher interface {
	Refresh(ctx context.Context) (int, error)
	Len() int
}

type CacheClearer interface {
	Clear(ctx context.Context)
}

type AuthzInvalidator interface {
	Invalidate(ctx context.Context, resourcePath, apiKey string)
}

type StatsSnapshotter interface {
	Snapshot() infra.StatsSnapshot
}

// ClusterStats lê contadores somados de todas as réplicas.
type ClusterStats interface {
	Totals(ctx context.Context) (infra.Counters, map[string]int64, error)
}

// Deps reúne o que os endpoints manipulam. Campos nil desligam a rota correspondente (404).
type Deps struct {
	SecretHash string
	Keys       KeyRefresher
	Cache      CacheClearer
	Authz      AuthzInvalidator
	Breakers   []*breaker.Breaker
	Stats      StatsSnapshotter
	Cluster    ClusterStats
	Logger     zerolog.Logger
}

// HashSecret gera o hash bcrypt para ADMIN_SECRET_HASH.
func HashSecret(secret string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

type handler struct {
	Deps
}

// New monta o mux de administração já protegido pelo segredo.
func New(d Deps) http.Handler {
	h := &handler{Deps: d}
	mux := http.NewServeMux()
	if d.Keys != nil {
		mux.HandleFunc("POST /admin/keys/refresh", h.refreshKeys)
	}
	if d.Cache != nil {
		mux.HandleFunc("POST /admin/cache/clear", h.clearCache)
	}
	if d.Authz != nil {
		mux.HandleFunc("DELETE /admin/cache/authz", h.invalidateAuthz)
	}
	mux.HandleFunc("GET /admin/breakers", h.breakers)
	mux.HandleFunc("GET /admin/stats", h.stats)
	return h.guard(mux)
}

func (h *handler) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := r.Header.Get(HeaderSecret)
		if h.SecretHash == "" || secret == "" ||
			bcrypt.CompareHashAndPassword([]byte(h.SecretHash), []byte(secret)) != nil {
			h.Logger.Warn().Str("path", r.URL.Path).Str("remote", r.RemoteAddr).Msg("admin access denied")
			apierror.Write(w, apierror.ErrNotAuthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *handler) refreshKeys(w http.ResponseWriter, r *http.Request) {
	n, err := h.Keys.Refresh(r.Context())
	if err != nil {
		h.Logger.Error().Err(err).Msg("admin key refresh failed")
		apierror.Write(w, apierror.ErrServiceUnavailable)
		return
	}
	h.Logger.Info().Int("keys", n).Msg("api keys refreshed by admin")
	writeJSON(w, http.StatusOK, map[string]int{"keys": n})
}

func (h *handler) clearCache(w http.ResponseWriter, r *http.Request) {
	h.Cache.Clear(r.Context())
	h.Logger.Info().Msg("cache cleared by admin")
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) invalidateAuthz(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key, path := strings.TrimSpace(q.Get("api_key")), strings.TrimSpace(q.Get("path"))
	if key == "" || path == "" {
		apierror.WriteDetail(w, http.StatusBadRequest, "api_key and path are required")
		return
	}
	h.Authz.Invalidate(r.Context(), path, key)
	h.Logger.Info().Str("api_key", account.MaskKey(key)).Str("path", path).Msg("authorization cache entry dropped")
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) breakers(w http.ResponseWriter, _ *http.Request) {
	out := make([]breaker.Snapshot, 0, len(h.Breakers))
	for _, b := range h.Breakers {
		out = append(out, b.Snapshot())
	}
	writeJSON(w, http.StatusOK, out)
}

type clusterResponse struct {
	Total    infra.Counters   `json:"total"`
	ByReason map[string]int64 `json:"by_reason"`
}

type statsResponse struct {
	ActiveKeys int                  `json:"active_keys"`
	Admission  *infra.StatsSnapshot `json:"admission,omitempty"`
	Cluster    *clusterResponse     `json:"cluster,omitempty"`
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	var resp statsResponse
	if h.Keys != nil {
		resp.ActiveKeys = h.Keys.Len()
	}
	if h.Stats != nil {
		snap := h.Stats.Snapshot()
		resp.Admission = &snap
	}
	if h.Cluster != nil {
		total, byReason, err := h.Cluster.Totals(r.Context())
		if err != nil {
			h.Logger.Warn().Err(err).Msg("cluster stats unavailable")
		} else {
			resp.Cluster = &clusterResponse{Total: total, ByReason: byReason}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
