package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"lootbox-arena/internal/battle"
	"lootbox-arena/internal/db"
	"lootbox-arena/internal/model"
	"lootbox-arena/internal/settle"
	"lootbox-arena/internal/ws"
)

type Server struct {
	store         *db.Store
	battles       *battle.Manager
	settler       *settle.Resolver
	hub           *ws.Hub
	secret        []byte
	startingCents int64
}

func NewServer(store *db.Store, battles *battle.Manager, settler *settle.Resolver, hub *ws.Hub, secret string, startingCents int64) *Server {
	return &Server{
		store:         store,
		battles:       battles,
		settler:       settler,
		hub:           hub,
		secret:        []byte(secret),
		startingCents: startingCents,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware)
	r.Use(rateLimitMiddleware())

	// Health
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		jsonOK(w, 200, map[string]any{"status": "ok"})
	})

	// Auth (public)
	r.Post("/api/register", s.register)
	r.Post("/api/login", s.login)

	// WebSocket
	r.Get("/ws", s.hub.HandleWS)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		// Wallet
		r.Get("/api/wallet", s.getWallet)
		r.Get("/api/ledger", s.getLedger)
		r.Get("/api/inventory", s.getInventory)

		// Boxes
		r.Get("/api/boxes", s.listBoxes)
		r.Get("/api/boxes/{id}/table", s.getBoxTable)
		r.Post("/api/boxes/{id}/open", s.openBox)

		// Battles
		r.Post("/api/battles", s.createBattle)
		r.Get("/api/battles", s.listBattles)
		r.Get("/api/battles/{id}", s.getBattle)
		r.Post("/api/battles/{id}/join", s.joinBattle)
		r.Post("/api/battles/{id}/finish", s.finishBattle)
		r.Post("/api/battles/{id}/claim", s.claimPrize)

		// Openings
		r.Post("/api/openings/{id}/exchange", s.exchangeOpening)

		// Free grant
		r.Post("/api/free-grant", s.freeGrant)
	})

	return r
}

// ── Auth ─────────────────────────────────────────────

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Username string `json:"username"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid_json", nil)
		return
	}
	if req.Email == "" || len(req.Password) < 6 {
		jsonErr(w, 400, "email and password (min 6 chars) required", nil)
		return
	}
	if req.Username == "" {
		req.Username = strings.SplitN(req.Email, "@", 2)[0]
	}

	existing, err := s.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		jsonErr(w, 500, "lookup failed", nil)
		return
	}
	if existing != nil {
		jsonErr(w, 409, "email already registered", nil)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		jsonErr(w, 500, "hash failed", nil)
		return
	}

	// User and wallet commit together; a failure on either leaves no
	// wallet-less user behind.
	tx, err := s.store.BeginTx(r.Context())
	if err != nil {
		jsonErr(w, 500, "create user failed", nil)
		return
	}
	defer tx.Rollback()

	user, err := db.InsertUser(tx, req.Email, string(hash), req.Username)
	if err != nil {
		jsonErr(w, 500, "create user failed", nil)
		return
	}
	if err := db.InsertWallet(tx, user.ID, s.startingCents); err != nil {
		jsonErr(w, 500, "create wallet failed", nil)
		return
	}
	if err := tx.Commit(); err != nil {
		jsonErr(w, 500, "create user failed", nil)
		return
	}

	token := s.makeToken(user.ID)
	jsonOK(w, 200, map[string]any{"user": user, "token": token})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid_json", nil)
		return
	}

	user, err := s.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil || user == nil {
		jsonErr(w, 401, "invalid credentials", nil)
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		jsonErr(w, 401, "invalid credentials", nil)
		return
	}

	token := s.makeToken(user.ID)
	jsonOK(w, 200, map[string]any{"user": user, "token": token})
}

func (s *Server) makeToken(userID string) string {
	claims := jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(72 * time.Hour).Unix(),
	}
	t, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	return t
}

// ── Middleware ────────────────────────────────────────

type ctxKey string

const ctxUserID ctxKey = "userID"

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			jsonErr(w, 401, "missing token", nil)
			return
		}
		tokenStr := strings.TrimPrefix(auth, "Bearer ")
		token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method")
			}
			return s.secret, nil
		})
		if err != nil || !token.Valid {
			jsonErr(w, 401, "invalid token", nil)
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			jsonErr(w, 401, "invalid claims", nil)
			return
		}
		userID, _ := claims["sub"].(string)
		if userID == "" {
			jsonErr(w, 401, "invalid claims", nil)
			return
		}
		ctx := context.WithValue(r.Context(), ctxUserID, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(204)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ── Wallet ───────────────────────────────────────────

func (s *Server) getWallet(w http.ResponseWriter, r *http.Request) {
	uid := r.Context().Value(ctxUserID).(string)
	wallet, err := s.store.GetWallet(r.Context(), uid)
	if err != nil || wallet == nil {
		jsonErr(w, 404, "wallet not found", nil)
		return
	}
	jsonOK(w, 200, map[string]any{"wallet": wallet})
}

func (s *Server) getLedger(w http.ResponseWriter, r *http.Request) {
	uid := r.Context().Value(ctxUserID).(string)
	entries, err := s.store.ListLedger(r.Context(), uid, 100)
	if err != nil {
		s.fail(w, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	jsonOK(w, 200, map[string]any{"ledger": entries})
}

func (s *Server) getInventory(w http.ResponseWriter, r *http.Request) {
	uid := r.Context().Value(ctxUserID).(string)
	items, err := s.store.ListInventory(r.Context(), uid)
	if err != nil {
		s.fail(w, err)
		return
	}
	if items == nil {
		items = []model.InventoryItem{}
	}
	jsonOK(w, 200, map[string]any{"inventory": items})
}

// ── Boxes ────────────────────────────────────────────

func (s *Server) listBoxes(w http.ResponseWriter, r *http.Request) {
	boxes, err := s.store.ListBoxes(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	if boxes == nil {
		boxes = []model.Box{}
	}
	jsonOK(w, 200, map[string]any{"boxes": boxes})
}

func (s *Server) getBoxTable(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	table, err := s.settler.Preview(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	jsonOK(w, 200, map[string]any{"table": table})
}

func (s *Server) openBox(w http.ResponseWriter, r *http.Request) {
	uid := r.Context().Value(ctxUserID).(string)
	id := chi.URLParam(r, "id")
	res, err := s.settler.OpenBox(r.Context(), uid, id)
	if err != nil {
		s.fail(w, err)
		return
	}
	jsonOK(w, 200, map[string]any{"result": res})
}

// ── Battles ──────────────────────────────────────────

func (s *Server) createBattle(w http.ResponseWriter, r *http.Request) {
	uid := r.Context().Value(ctxUserID).(string)
	var req model.CreateBattleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid_json", nil)
		return
	}
	res, err := s.battles.Create(r.Context(), uid, req)
	if err != nil {
		s.fail(w, err)
		return
	}
	jsonOK(w, 201, map[string]any{"battle": res.Battle, "new_balance_cents": res.NewBalanceCents})
}

func (s *Server) listBattles(w http.ResponseWriter, r *http.Request) {
	status := model.BattleStatus(r.URL.Query().Get("status"))
	switch status {
	case "", model.BattleWaiting, model.BattleActive, model.BattleFinished:
	default:
		jsonErr(w, 400, "invalid status filter", nil)
		return
	}
	battles, err := s.store.ListBattles(r.Context(), status, 50)
	if err != nil {
		s.fail(w, err)
		return
	}
	if battles == nil {
		battles = []model.Battle{}
	}
	jsonOK(w, 200, map[string]any{"battles": battles})
}

func (s *Server) getBattle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	b, err := s.store.GetBattle(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if b == nil {
		jsonErr(w, 404, "battle not found", nil)
		return
	}
	jsonOK(w, 200, map[string]any{"battle": b})
}

func (s *Server) joinBattle(w http.ResponseWriter, r *http.Request) {
	uid := r.Context().Value(ctxUserID).(string)
	id := chi.URLParam(r, "id")
	res, err := s.battles.Join(r.Context(), uid, id)
	if err != nil {
		s.fail(w, err)
		return
	}
	jsonOK(w, 200, map[string]any{"battle": res.Battle, "new_balance_cents": res.NewBalanceCents})
}

func (s *Server) finishBattle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req model.FinishBattleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid_json", nil)
		return
	}
	b, err := s.battles.Finish(r.Context(), id, req.Results)
	if err != nil {
		s.fail(w, err)
		return
	}
	jsonOK(w, 200, map[string]any{"battle": b})
}

func (s *Server) claimPrize(w http.ResponseWriter, r *http.Request) {
	uid := r.Context().Value(ctxUserID).(string)
	id := chi.URLParam(r, "id")
	var req model.ClaimReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid_json", nil)
		return
	}
	newBal, err := s.settler.Claim(r.Context(), uid, id, req)
	if err != nil {
		s.fail(w, err)
		return
	}
	jsonOK(w, 200, map[string]any{"new_balance_cents": newBal})
}

// ── Openings ─────────────────────────────────────────

func (s *Server) exchangeOpening(w http.ResponseWriter, r *http.Request) {
	uid := r.Context().Value(ctxUserID).(string)
	id := chi.URLParam(r, "id")
	newBal, err := s.settler.Exchange(r.Context(), uid, id)
	if err != nil {
		s.fail(w, err)
		return
	}
	jsonOK(w, 200, map[string]any{"new_balance_cents": newBal})
}

// ── Free grant ───────────────────────────────────────

func (s *Server) freeGrant(w http.ResponseWriter, r *http.Request) {
	uid := r.Context().Value(ctxUserID).(string)
	res, err := s.settler.FreeGrant(r.Context(), uid)
	if err != nil {
		s.fail(w, err)
		return
	}
	if res.AlreadyClaimed {
		jsonOK(w, 200, map[string]any{"already_claimed": true})
		return
	}
	jsonOK(w, 200, map[string]any{
		"already_claimed":   false,
		"reward_name":       res.RewardName,
		"reward_cents":      res.RewardCents,
		"new_balance_cents": res.NewBalanceCents,
	})
}

// ── Error mapping ────────────────────────────────────

// fail converts engine errors into the envelope with a stable,
// machine-readable reason. Not-found responses stay generic so the
// API does not leak which resources exist.
func (s *Server) fail(w http.ResponseWriter, err error) {
	var funds *db.InsufficientFundsError
	if errors.As(err, &funds) {
		jsonErr(w, 400, "insufficient_funds", map[string]any{
			"required_cents": funds.NeedCents,
			"current_cents":  funds.HaveCents,
		})
		return
	}
	switch {
	case errors.Is(err, battle.ErrBoxNotFound), errors.Is(err, settle.ErrBoxNotFound),
		errors.Is(err, battle.ErrBattleNotFound), errors.Is(err, settle.ErrOpeningNotFound),
		errors.Is(err, settle.ErrSettlementNotFound):
		jsonErr(w, 404, "not_found", nil)
	case errors.Is(err, db.ErrAlreadyJoined):
		jsonErr(w, 400, "already_joined", nil)
	case errors.Is(err, db.ErrBattleFull):
		jsonErr(w, 400, "battle_full", nil)
	case errors.Is(err, db.ErrSeatRace):
		jsonErr(w, 409, "seat_conflict", nil)
	case errors.Is(err, db.ErrNotActive):
		jsonErr(w, 400, "battle_not_active", nil)
	case errors.Is(err, battle.ErrBadSeatCount), errors.Is(err, battle.ErrBadRoundCount),
		errors.Is(err, battle.ErrCountMismatch), errors.Is(err, battle.ErrUnknownPlayer),
		errors.Is(err, battle.ErrNoResults):
		jsonErr(w, 400, err.Error(), nil)
	case errors.Is(err, battle.ErrBoxInactive), errors.Is(err, settle.ErrBoxInactive):
		jsonErr(w, 400, "box_inactive", nil)
	case errors.Is(err, settle.ErrNotWinner):
		jsonErr(w, 400, "not_winner", nil)
	case errors.Is(err, settle.ErrPrizeClaimed):
		jsonErr(w, 400, "already_claimed", nil)
	case errors.Is(err, settle.ErrAlreadyExchanged):
		jsonErr(w, 400, "already_exchanged", nil)
	case errors.Is(err, settle.ErrAlreadyCollected):
		jsonErr(w, 400, "already_collected", nil)
	case errors.Is(err, settle.ErrInvalidChoice), errors.Is(err, settle.ErrBadAmount),
		errors.Is(err, settle.ErrNoItems):
		jsonErr(w, 400, err.Error(), nil)
	case errors.Is(err, db.ErrOpeningSettled):
		jsonErr(w, 409, "opening_conflict", nil)
	default:
		jsonErr(w, 500, "internal error", nil)
	}
}

// ── Helpers ──────────────────────────────────────────

func jsonOK(w http.ResponseWriter, code int, payload map[string]any) {
	payload["success"] = true
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func jsonErr(w http.ResponseWriter, code int, reason string, extra map[string]any) {
	body := map[string]any{"success": false, "error": reason}
	for k, v := range extra {
		body[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
