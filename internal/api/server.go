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

	"sprout/internal/auth"
	"sprout/internal/config"
	"sprout/internal/events"
	"sprout/internal/ledger"
	"sprout/internal/market"
	"sprout/internal/trade"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type contextKey string

const userContextKey contextKey = "user"

type UserContext struct {
	UserID   string
	Username string
}

type Server struct {
	cfg      config.APIConfig
	log      *slog.Logger
	pool     *pgxpool.Pool
	verifier *auth.Verifier
	trades   *trade.Service
	market   *market.Service
	events   *events.Publisher
	mux      *chi.Mux
}

func New(cfg config.APIConfig, logger *slog.Logger, pool *pgxpool.Pool, tradeSvc *trade.Service, marketSvc *market.Service, publisher *events.Publisher) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		log:      logger,
		pool:     pool,
		verifier: auth.NewVerifier(cfg.JWTSecret),
		trades:   tradeSvc,
		market:   marketSvc,
		events:   publisher,
		mux:      chi.NewRouter(),
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
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/trades", func(r chi.Router) {
			r.Post("/", s.handleCreateTrade)
			r.Get("/", s.handleListTrades)
			r.Get("/history", s.handleTradeHistory)
			r.Get("/{id}", s.handleGetTrade)
			r.Post("/{id}/accept", s.handleAcceptTrade)
			r.Post("/{id}/cancel", s.handleCancelTrade)
			r.Post("/{id}/items/add", s.handleAddItem)
			r.Post("/{id}/items/remove", s.handleRemoveItem)
			r.Post("/{id}/currency/add", s.handleAddCurrency)
			r.Post("/{id}/currency/remove", s.handleRemoveCurrency)
			r.Post("/{id}/confirm", s.handleConfirmTrade)
			r.Post("/{id}/unconfirm", s.handleUnconfirmTrade)
		})

		r.Route("/market/listings", func(r chi.Router) {
			r.Post("/", s.handleCreateListing)
			r.Get("/", s.handleListings)
			r.Get("/mine", s.handleMyListings)
			r.Post("/{id}/cancel", s.handleCancelListing)
			r.Post("/{id}/buy", s.handleBuyListing)
		})

		r.Get("/inventory", s.handleInventory)
		r.Get("/wallet", s.handleWallet)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := s.verifier.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey, UserContext{
			UserID:   claims.Subject,
			Username: claims.Username,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFromContext(ctx context.Context) (UserContext, error) {
	user, ok := ctx.Value(userContextKey).(UserContext)
	if !ok || user.UserID == "" {
		return UserContext{}, errors.New("missing auth context")
	}
	return user, nil
}

func (s *Server) handleCreateTrade(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in struct {
		ReceiverID string `json:"receiver_id"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(in.ReceiverID) == "" {
		writeError(w, http.StatusBadRequest, "receiver_id is required")
		return
	}
	view, err := s.trades.CreateTradeRequest(r.Context(), trade.CreateTradeInput{
		SenderID:       user.UserID,
		ReceiverID:     strings.TrimSpace(in.ReceiverID),
		IdempotencyKey: idempotencyKey(r),
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleListTrades(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	out, err := s.trades.ListActiveTrades(r.Context(), user.UserID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": out})
}

func (s *Server) handleTradeHistory(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	limit := s.cfg.HistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	out, err := s.trades.TradeHistory(r.Context(), user.UserID, limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": out})
}

func (s *Server) handleGetTrade(w http.ResponseWriter, r *http.Request) {
	user, tradeID, ok := s.tradeRequest(w, r)
	if !ok {
		return
	}
	view, err := s.trades.GetTrade(r.Context(), user.UserID, tradeID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleAcceptTrade(w http.ResponseWriter, r *http.Request) {
	user, tradeID, ok := s.tradeRequest(w, r)
	if !ok {
		return
	}
	view, err := s.trades.AcceptTradeRequest(r.Context(), user.UserID, tradeID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCancelTrade(w http.ResponseWriter, r *http.Request) {
	user, tradeID, ok := s.tradeRequest(w, r)
	if !ok {
		return
	}
	view, err := s.trades.CancelTrade(r.Context(), user.UserID, tradeID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleAddItem(w http.ResponseWriter, r *http.Request) {
	user, tradeID, ok := s.tradeRequest(w, r)
	if !ok {
		return
	}
	var in struct {
		ItemType string `json:"item_type"`
		Amount   int64  `json:"amount"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	view, err := s.trades.AddItem(r.Context(), trade.ItemOfferInput{
		UserID:   user.UserID,
		TradeID:  tradeID,
		ItemType: strings.TrimSpace(in.ItemType),
		Amount:   in.Amount,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleRemoveItem(w http.ResponseWriter, r *http.Request) {
	user, tradeID, ok := s.tradeRequest(w, r)
	if !ok {
		return
	}
	var in struct {
		ItemType string `json:"item_type"`
		Amount   int64  `json:"amount"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	view, err := s.trades.RemoveItem(r.Context(), trade.ItemOfferInput{
		UserID:   user.UserID,
		TradeID:  tradeID,
		ItemType: strings.TrimSpace(in.ItemType),
		Amount:   in.Amount,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleAddCurrency(w http.ResponseWriter, r *http.Request) {
	user, tradeID, ok := s.tradeRequest(w, r)
	if !ok {
		return
	}
	var in struct {
		Currency string `json:"currency"`
		Amount   int64  `json:"amount"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	view, err := s.trades.AddCurrency(r.Context(), trade.CurrencyOfferInput{
		UserID:   user.UserID,
		TradeID:  tradeID,
		Currency: ledger.Currency(in.Currency),
		Amount:   in.Amount,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleRemoveCurrency(w http.ResponseWriter, r *http.Request) {
	user, tradeID, ok := s.tradeRequest(w, r)
	if !ok {
		return
	}
	var in struct {
		Currency string `json:"currency"`
		Amount   int64  `json:"amount"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	view, err := s.trades.RemoveCurrency(r.Context(), trade.CurrencyOfferInput{
		UserID:   user.UserID,
		TradeID:  tradeID,
		Currency: ledger.Currency(in.Currency),
		Amount:   in.Amount,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleConfirmTrade(w http.ResponseWriter, r *http.Request) {
	user, tradeID, ok := s.tradeRequest(w, r)
	if !ok {
		return
	}
	result, err := s.trades.ConfirmTrade(r.Context(), user.UserID, tradeID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if result.Completed {
		s.events.TradeSettled(r.Context(), events.TradeSettled{
			TradeID:    result.Trade.ID,
			SenderID:   result.Trade.SenderID,
			ReceiverID: result.Trade.ReceiverID,
			SettledAt:  time.Now().UTC(),
		})
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleUnconfirmTrade(w http.ResponseWriter, r *http.Request) {
	user, tradeID, ok := s.tradeRequest(w, r)
	if !ok {
		return
	}
	view, err := s.trades.UnconfirmTrade(r.Context(), user.UserID, tradeID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCreateListing(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in struct {
		ItemType  string `json:"item_type"`
		Amount    int64  `json:"amount"`
		PriceGold *int64 `json:"price_gold,omitempty"`
		PriceGem  *int64 `json:"price_gem,omitempty"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	view, err := s.market.CreateListing(r.Context(), market.CreateListingInput{
		SellerID:       user.UserID,
		ItemType:       strings.TrimSpace(in.ItemType),
		Amount:         in.Amount,
		PriceGold:      in.PriceGold,
		PriceGem:       in.PriceGem,
		IdempotencyKey: idempotencyKey(r),
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleListings(w http.ResponseWriter, r *http.Request) {
	out, err := s.market.Listings(r.Context(), market.ListingFilter{
		ItemType: strings.TrimSpace(r.URL.Query().Get("item_type")),
		SellerID: strings.TrimSpace(r.URL.Query().Get("seller_id")),
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"listings": out})
}

func (s *Server) handleMyListings(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	out, err := s.market.MyListings(r.Context(), user.UserID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"listings": out})
}

func (s *Server) handleCancelListing(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	listingID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid listing id")
		return
	}
	view, err := s.market.CancelListing(r.Context(), user.UserID, listingID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleBuyListing(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	listingID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid listing id")
		return
	}
	var in struct {
		PayWithGem bool `json:"pay_with_gem"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	view, err := s.market.BuyListing(r.Context(), market.BuyListingInput{
		BuyerID:        user.UserID,
		ListingID:      listingID,
		PayWithGem:     in.PayWithGem,
		IdempotencyKey: idempotencyKey(r),
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	cur := "gold"
	price := view.PriceGold
	if in.PayWithGem {
		cur = "gem"
		price = view.PriceGem
	}
	ev := events.ListingSold{
		ListingID: view.ID,
		SellerID:  view.SellerID,
		BuyerID:   user.UserID,
		ItemType:  view.ItemType,
		Amount:    view.Amount,
		Currency:  cur,
		SoldAt:    time.Now().UTC(),
	}
	if price != nil {
		ev.Price = *price
	}
	s.events.ListingSold(r.Context(), ev)
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleInventory(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	out, err := ledger.Inventory(r.Context(), s.pool, user.UserID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	out, err := ledger.GetWallet(r.Context(), s.pool, user.UserID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) tradeRequest(w http.ResponseWriter, r *http.Request) (UserContext, int64, bool) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return UserContext{}, 0, false
	}
	tradeID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid trade id")
		return UserContext{}, 0, false
	}
	return user, tradeID, true
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, trade.ErrTradeNotFound), errors.Is(err, market.ErrListingNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, trade.ErrNotParty), errors.Is(err, trade.ErrNotReceiver),
		errors.Is(err, market.ErrNotSeller):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, trade.ErrActiveTradeExists), errors.Is(err, trade.ErrDuplicateIdempotency),
		errors.Is(err, market.ErrDuplicateIdempotency), errors.Is(err, trade.ErrTxConflict),
		errors.Is(err, market.ErrTxConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, trade.ErrSelfTrade), errors.Is(err, trade.ErrTradeNotPending),
		errors.Is(err, trade.ErrTradeNotAccepted), errors.Is(err, trade.ErrTradeClosed),
		errors.Is(err, trade.ErrTradeExpired), errors.Is(err, trade.ErrEntryNotFound),
		errors.Is(err, market.ErrSelfPurchase), errors.Is(err, market.ErrNoPrice),
		errors.Is(err, market.ErrPriceNotSet), errors.Is(err, market.ErrListingClosed),
		errors.Is(err, ledger.ErrInsufficientFunds), errors.Is(err, ledger.ErrInsufficientItems),
		errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrInvalidCurrency),
		errors.Is(err, ledger.ErrInvalidItemType):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Error("internal error", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(out)
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

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
