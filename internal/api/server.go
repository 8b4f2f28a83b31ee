package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rarecandy/internal/config"
	"rarecandy/internal/economy"
	"rarecandy/internal/reward"
)

type contextKey string

const playerContextKey contextKey = "player"

// PlayerHeader carries the player id set by the gateway in front of the API.
const PlayerHeader = "X-Player-ID"

// Store is the authoritative economy behind the HTTP surface.
type Store interface {
	CreatePlayer(ctx context.Context, username string) (economy.Profile, error)
	Profile(ctx context.Context, playerID string) (economy.Profile, error)
	Commit(ctx context.Context, in economy.CommitInput) (economy.Profile, error)
	Upgrade(ctx context.Context, in economy.UpgradeInput) (economy.Profile, error)
	Purchase(ctx context.Context, in economy.PurchaseInput) (economy.Profile, error)
}

type Server struct {
	cfg     config.APIConfig
	log     *slog.Logger
	store   Store
	limiter *commitLimiter
	metrics *Metrics
	mux     *chi.Mux
}

func New(cfg config.APIConfig, logger *slog.Logger, store Store) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	s := &Server{
		cfg:     cfg,
		log:     logger,
		store:   store,
		limiter: newCommitLimiter(cfg.Economy.CommitRate, cfg.Economy.CommitBurst),
		metrics: DefaultMetrics(),
		mux:     chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	r := s.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.cfg.RequestTimeout))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/players", s.handleCreatePlayer)

		r.Group(func(r chi.Router) {
			r.Use(s.playerMiddleware)
			r.Get("/profile", s.handleProfile)
			r.With(s.limiter.middleware(s.metrics)).Post("/economy/commit", s.handleCommit)
			r.Post("/upgrades/{kind}", s.handleUpgrade)
			r.Post("/items/{id}/purchase", s.handlePurchase)
		})
	})
}

// playerMiddleware trusts the gateway's player header; it only checks shape.
func (s *Server) playerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		playerID := strings.TrimSpace(r.Header.Get(PlayerHeader))
		if playerID == "" {
			writeError(w, http.StatusUnauthorized, "missing "+PlayerHeader+" header")
			return
		}
		if _, err := uuid.Parse(playerID); err != nil {
			writeError(w, http.StatusUnauthorized, "malformed player id")
			return
		}
		ctx := context.WithValue(r.Context(), playerContextKey, playerID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func playerFromContext(ctx context.Context) (string, error) {
	playerID, ok := ctx.Value(playerContextKey).(string)
	if !ok || playerID == "" {
		return "", errors.New("missing player context")
	}
	return playerID, nil
}

func (s *Server) handleCreatePlayer(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Username string `json:"username"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	profile, err := s.store.CreatePlayer(r.Context(), in.Username)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, profile)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	playerID, err := playerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	profile, err := s.store.Profile(r.Context(), playerID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	playerID, err := playerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in struct {
		Delta string `json:"delta"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	delta, err := economy.ParseDelta(in.Delta)
	if err != nil {
		s.metrics.ObserveCommit("invalid")
		s.writeDomainError(w, err)
		return
	}

	profile, err := s.store.Commit(r.Context(), economy.CommitInput{
		PlayerID:       playerID,
		Delta:          delta,
		IdempotencyKey: idempotencyKey(r),
	})
	if errors.Is(err, economy.ErrDuplicateIdempotency) {
		// The first request with this key already landed; answer with the
		// current balance so a client retry converges.
		profile, err = s.store.Profile(r.Context(), playerID)
		if err == nil {
			s.metrics.ObserveCommit("replayed")
			w.Header().Set("Idempotent-Replay", "true")
			writeJSON(w, http.StatusOK, profile)
			return
		}
	}
	if err != nil {
		s.metrics.ObserveCommit("rejected")
		s.writeDomainError(w, err)
		return
	}
	s.metrics.ObserveCommit("ok")
	s.metrics.ObserveCommitDelta(delta)
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	playerID, err := playerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	kind := reward.Kind(chi.URLParam(r, "kind"))
	profile, err := s.store.Upgrade(r.Context(), economy.UpgradeInput{
		PlayerID:       playerID,
		Kind:           kind,
		IdempotencyKey: idempotencyKey(r),
	})
	if err != nil {
		s.metrics.ObserveDebit("upgrade", "rejected")
		s.writeDomainError(w, err)
		return
	}
	s.metrics.ObserveDebit("upgrade", "ok")
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	playerID, err := playerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	itemID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid item id")
		return
	}
	profile, err := s.store.Purchase(r.Context(), economy.PurchaseInput{
		PlayerID:       playerID,
		ItemID:         itemID,
		IdempotencyKey: idempotencyKey(r),
	})
	if err != nil {
		s.metrics.ObserveDebit("purchase", "rejected")
		s.writeDomainError(w, err)
		return
	}
	s.metrics.ObserveDebit("purchase", "ok")
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, economy.ErrDuplicateIdempotency):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, economy.ErrInsufficientFunds), errors.Is(err, economy.ErrDeltaTooLarge):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, economy.ErrAlreadyOwned), errors.Is(err, economy.ErrUsernameTaken):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, economy.ErrInvalidUsername), errors.Is(err, economy.ErrInvalidDelta),
		errors.Is(err, reward.ErrUnknownKind), errors.Is(err, reward.ErrInvalidItem):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, economy.ErrPlayerNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, economy.ErrTxConflict):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.log.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": strings.TrimSpace(message)})
}

func idempotencyKey(r *http.Request) string {
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key != "" {
		return key
	}
	return uuid.NewString()
}
