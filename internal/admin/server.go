// Package admin is the operational HTTP surface: the payment webhook, pack
// catalog management, and the ledger/compensation/referral aggregates the
// dashboards read. Mutating routes sit behind basic auth.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mirelle/photoset/internal/ledger"
	"github.com/mirelle/photoset/internal/models"
	"github.com/mirelle/photoset/internal/service"
)

type PackAdmin interface {
	List(ctx context.Context) ([]models.Pack, error)
	GetByID(ctx context.Context, id int64) (*models.Pack, error)
	Create(ctx context.Context, pack *models.Pack) (*models.Pack, error)
	Update(ctx context.Context, pack *models.Pack) (*models.Pack, error)
	SetActive(ctx context.Context, id int64, active bool) error
}

type LedgerReader interface {
	ListByAccount(ctx context.Context, accountID int64, limit int) ([]models.LedgerEntry, error)
}

type CompensationReader interface {
	List(ctx context.Context, limit int) ([]models.CompensationLogEntry, error)
}

type ReferralReader interface {
	ListByReferrer(ctx context.Context, referrerID int64) ([]models.ReferralBonus, error)
}

type PaymentIntake interface {
	HandleReport(ctx context.Context, report service.PaymentReport) (*models.Session, error)
}

type ProblemDesk interface {
	ReportProblem(ctx context.Context, favoriteID int64) (string, error)
}

type BonusRevoker interface {
	Revoke(ctx context.Context, bonusID int64) (bool, error)
}

type AccountEnsurer interface {
	Ensure(ctx context.Context, telegramID int64, username string, referrerID *int64) (*models.Account, bool, error)
}

// SessionOps is what the conversational front-end drives through this server.
type SessionOps interface {
	RequestTake(ctx context.Context, req service.TakeRequest) (*models.Take, error)
	AdvanceStep(ctx context.Context, sessionID int64) (*models.Session, error)
}

type FavoriteOps interface {
	MarkFavorite(ctx context.Context, takeID int64, variantIndex int) (*models.Favorite, error)
	SelectForHD(ctx context.Context, favoriteID int64) error
	RequestHD(ctx context.Context, favoriteID int64) error
	RequestAlbum(ctx context.Context, sessionID int64) (int, error)
}

type Server struct {
	addr     string
	username string
	password string
	log      *slog.Logger

	packs         PackAdmin
	ledger        LedgerReader
	compensations CompensationReader
	referrals     ReferralReader
	payments      PaymentIntake
	problems      ProblemDesk
	revoker       BonusRevoker
	accounts      AccountEnsurer
	sessions      SessionOps
	favorites     FavoriteOps

	router *chi.Mux
}

func NewServer(addr, username, password string, log *slog.Logger, packs PackAdmin, ledger LedgerReader, compensations CompensationReader, referrals ReferralReader, payments PaymentIntake, problems ProblemDesk, revoker BonusRevoker, accounts AccountEnsurer, sessions SessionOps, favorites FavoriteOps) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	s := &Server{
		addr:          addr,
		username:      username,
		password:      password,
		log:           log,
		packs:         packs,
		ledger:        ledger,
		compensations: compensations,
		referrals:     referrals,
		payments:      payments,
		problems:      problems,
		revoker:       revoker,
		accounts:      accounts,
		sessions:      sessions,
		favorites:     favorites,
		router:        r,
	}

	r.Post("/webhook/payments", s.handlePaymentWebhook)
	r.Handle("/metrics", promhttp.Handler())
	r.Group(func(protected chi.Router) {
		protected.Use(s.basicAuthMiddleware())
		protected.Route("/packs", func(r chi.Router) {
			r.Get("/", s.handleListPacks)
			r.Post("/", s.handleCreatePack)
			r.Put("/{id}", s.handleUpdatePack)
			// Packs referenced by sessions are never deleted, only disabled.
			r.Delete("/{id}", s.handleDisablePack)
		})
		protected.Post("/accounts", s.handleEnsureAccount)
		protected.Post("/sessions/{id}/takes", s.handleRequestTake)
		protected.Post("/sessions/{id}/advance", s.handleAdvanceStep)
		protected.Post("/sessions/{id}/album", s.handleRequestAlbum)
		protected.Post("/takes/{id}/favorites", s.handleMarkFavorite)
		protected.Post("/favorites/{id}/select-hd", s.handleSelectForHD)
		protected.Post("/favorites/{id}/hd", s.handleRequestHD)
		protected.Get("/accounts/{id}/ledger", s.handleAccountLedger)
		protected.Get("/compensations", s.handleListCompensations)
		protected.Get("/referrals/{referrerID}", s.handleListReferrals)
		protected.Post("/referrals/{id}/revoke", s.handleRevokeBonus)
		protected.Post("/favorites/{id}/report", s.handleReportProblem)
	})
	return s
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("admin shutdown error", "err", err)
		}
	}()

	s.log.Info("admin server listening", "addr", s.addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin listen: %w", err)
	}
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	var report service.PaymentReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	session, err := s.payments.HandleReport(r.Context(), report)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNotFound),
			errors.Is(err, service.ErrPackInactive),
			errors.Is(err, service.ErrEmptyPlaylist):
			s.log.Error("payment report rejected", "charge_id", report.ChargeID, "err", err)
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		default:
			s.internalError(w, err)
		}
		return
	}
	resp := map[string]any{"status": "ok"}
	if session != nil {
		resp["sessionId"] = session.ID
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type packRequest struct {
	Title           string                `json:"title"`
	Description     string                `json:"description"`
	Currency        string                `json:"currency"`
	PriceMinorUnits int                   `json:"price_minor_units"`
	TakesLimit      int                   `json:"takes_limit"`
	HDAmount        int                   `json:"hd_amount"`
	IsTrial         bool                  `json:"is_trial"`
	IsCollection    bool                  `json:"is_collection"`
	Playlist        []models.PlaylistStep `json:"playlist"`
	FavoritesCap    *int                  `json:"favorites_cap"`
	HDSlaMinutes    int                   `json:"hd_sla_minutes"`
	IsActive        *bool                 `json:"is_active"`
}

func (s *Server) handleListPacks(w http.ResponseWriter, r *http.Request) {
	packs, err := s.packs.List(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, packs)
}

func (s *Server) handleCreatePack(w http.ResponseWriter, r *http.Request) {
	var req packRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	pack, err := packFromRequest(req, &models.Pack{IsActive: true})
	if err != nil {
		s.badRequest(w, err)
		return
	}
	created, err := s.packs.Create(r.Context(), pack)
	if err != nil {
		s.badRequest(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdatePack(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	existing, err := s.packs.GetByID(r.Context(), id)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if existing == nil {
		http.Error(w, "pack not found", http.StatusNotFound)
		return
	}
	var req packRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	pack, err := packFromRequest(req, existing)
	if err != nil {
		s.badRequest(w, err)
		return
	}
	updated, err := s.packs.Update(r.Context(), pack)
	if err != nil {
		s.badRequest(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDisablePack(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	if err := s.packs.SetActive(r.Context(), id, false); err != nil {
		s.internalError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func packFromRequest(req packRequest, base *models.Pack) (*models.Pack, error) {
	if req.Title == "" {
		return nil, fmt.Errorf("title is required")
	}
	if req.TakesLimit <= 0 {
		return nil, fmt.Errorf("takes_limit must be positive")
	}
	if req.HDAmount < 0 {
		return nil, fmt.Errorf("hd_amount cannot be negative")
	}
	if req.IsCollection && len(req.Playlist) == 0 {
		return nil, fmt.Errorf("collection pack needs a playlist")
	}
	pack := *base
	pack.Title = req.Title
	pack.Description = req.Description
	pack.Currency = req.Currency
	pack.PriceMinorUnits = req.PriceMinorUnits
	pack.TakesLimit = req.TakesLimit
	pack.HDAmount = req.HDAmount
	pack.IsTrial = req.IsTrial
	pack.IsCollection = req.IsCollection
	pack.Playlist = req.Playlist
	pack.FavoritesCap = req.FavoritesCap
	pack.HDSlaMinutes = req.HDSlaMinutes
	if req.IsActive != nil {
		pack.IsActive = *req.IsActive
	}
	return &pack, nil
}

type accountRequestBody struct {
	TelegramID int64  `json:"telegram_id"`
	Username   string `json:"username"`
	ReferrerID *int64 `json:"referrer_id"`
}

// handleEnsureAccount registers the front-end identity. The referrer link is
// written only when the account is first created.
func (s *Server) handleEnsureAccount(w http.ResponseWriter, r *http.Request) {
	var body accountRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if body.TelegramID == 0 {
		http.Error(w, "telegram_id required", http.StatusBadRequest)
		return
	}
	account, created, err := s.accounts.Ensure(r.Context(), body.TelegramID, body.Username, body.ReferrerID)
	if err != nil {
		s.internalError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, account)
}

type takeRequestBody struct {
	TemplateID string `json:"template_id"`
	IsReroll   bool   `json:"is_reroll"`
}

func (s *Server) handleRequestTake(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	var body takeRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	take, err := s.sessions.RequestTake(r.Context(), service.TakeRequest{
		SessionID:  id,
		TemplateID: body.TemplateID,
		IsReroll:   body.IsReroll,
	})
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, take)
}

func (s *Server) handleAdvanceStep(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	session, err := s.sessions.AdvanceStep(r.Context(), id)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleRequestAlbum(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	requested, err := s.favorites.RequestAlbum(r.Context(), id)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"requested": requested})
}

type favoriteRequestBody struct {
	VariantIndex int `json:"variant_index"`
}

func (s *Server) handleMarkFavorite(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	var body favoriteRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	fav, err := s.favorites.MarkFavorite(r.Context(), id, body.VariantIndex)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, fav)
}

func (s *Server) handleSelectForHD(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	if err := s.favorites.SelectForHD(r.Context(), id); err != nil {
		s.serviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRequestHD(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	if err := s.favorites.RequestHD(r.Context(), id); err != nil {
		s.serviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// serviceError maps the service sentinels onto HTTP statuses; quota and
// entitlement violations come back specific, never clamped.
func (s *Server) serviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, service.ErrTakeQuotaExceeded),
		errors.Is(err, service.ErrHDQuotaExceeded),
		errors.Is(err, service.ErrFavoritesCapReached),
		errors.Is(err, ledger.ErrInsufficientCredit):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, service.ErrSessionNotActive),
		errors.Is(err, service.ErrTakeNotReady),
		errors.Is(err, service.ErrVariantMissing),
		errors.Is(err, service.ErrNotSelectedForHD),
		errors.Is(err, service.ErrAccountSuspended):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		s.internalError(w, err)
	}
}

func (s *Server) handleAccountLedger(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	entries, err := s.ledger.ListByAccount(r.Context(), id, listLimit(r))
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleListCompensations(w http.ResponseWriter, r *http.Request) {
	entries, err := s.compensations.List(r.Context(), listLimit(r))
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleListReferrals(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "referrerID"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	bonuses, err := s.referrals.ListByReferrer(r.Context(), id)
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, bonuses)
}

func (s *Server) handleRevokeBonus(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	applied, err := s.revoker.Revoke(r.Context(), id)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if !applied {
		http.Error(w, "bonus is not pending", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReportProblem(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	correlationID, err := s.problems.ReportProblem(r.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			http.Error(w, "favorite not found", http.StatusNotFound)
			return
		}
		s.badRequest(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"correlationId": correlationID})
}

func (s *Server) basicAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || user != s.username || pass != s.password {
				w.Header().Set("WWW-Authenticate", `Basic realm="photoset"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) badRequest(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), http.StatusBadRequest)
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.log.Error("admin handler error", "err", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func parseID(value string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(value), 10, 64)
}

func listLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			return n
		}
	}
	return 100
}
