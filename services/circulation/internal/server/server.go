package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"circulation/internal/ratelimit"
	"circulation/internal/util"
	"circulation/pkg/domain"
	"circulation/services/circulation/internal/app"
)

const (
	maxBodyBytes = 1 << 20
	rateWindow   = time.Minute
)

// ActorVerifier resolves a bearer token into the calling actor.
type ActorVerifier interface {
	VerifyActor(token string) (domain.Actor, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App           *app.App
	TokenVerifier ActorVerifier

	RedisAddr                 string
	RedisPassword             string
	RequestRateLimitPerMinute int
	RateLimitKeyPrefix        string

	CORSAllowedOrigins []string
	TrustedProxyCIDRs  []string
}

// Server exposes the circulation HTTP API.
type Server struct {
	app            *app.App
	tokenVerifier  ActorVerifier
	requestLimiter *ratelimit.FixedWindowLimiter
	trusted        *util.TrustedProxies
	corsOrigins    []string
	mux            *http.ServeMux
}

// New constructs the server with routes configured. A positive request
// rate limit needs Redis.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app is required")
	}
	if cfg.TokenVerifier == nil {
		return nil, errors.New("server: token verifier is required")
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		return nil, fmt.Errorf("parse trusted proxies: %w", err)
	}
	s := &Server{
		app:           cfg.App,
		tokenVerifier: cfg.TokenVerifier,
		trusted:       trusted,
		corsOrigins:   cfg.CORSAllowedOrigins,
		mux:           http.NewServeMux(),
	}
	if cfg.RequestRateLimitPerMinute > 0 {
		prefix := strings.TrimSpace(cfg.RateLimitKeyPrefix)
		if prefix == "" {
			prefix = "circulation:ratelimit:requests"
		}
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, prefix, cfg.RequestRateLimitPerMinute, rateWindow)
		if err != nil {
			return nil, fmt.Errorf("init request limiter: %w", err)
		}
		s.requestLimiter = limiter
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("circulation", s.trusted, util.WithSecurityHeaders(util.WithCORS(s.corsOrigins, s.mux))))
}

// Close releases the rate limiter connection.
func (s *Server) Close() error {
	return s.requestLimiter.Close()
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// sessions
	s.mux.Handle("/sessions", s.withActor(s.handleSessions))
	s.mux.Handle("/sessions/", s.withActor(s.handleSessionByID))
	s.mux.Handle("/statistics", s.withActor(s.handleStatistics))

	// members and fees
	s.mux.Handle("/members/", s.withActor(s.handleMember))

	// basket
	s.mux.Handle("/basket", s.withActor(s.handleBasket))
	s.mux.Handle("/basket/", s.withActor(s.handleBasketPath))

	// stock
	s.mux.Handle("/titles/", s.withActor(s.handleTitle))

	// upserts pushed by the catalog and membership systems
	s.mux.Handle("/internal/titles/", s.withActor(s.handleInternalTitle))
	s.mux.Handle("/internal/members/", s.withActor(s.handleInternalMember))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type actorHandler func(http.ResponseWriter, *http.Request, domain.Actor)

func (s *Server) withActor(next actorHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		actor, err := s.tokenVerifier.VerifyActor(token)
		if err != nil {
			util.LoggerFromContext(r.Context()).Debug("token rejected", "err", err)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		logger := util.LoggerFromContext(r.Context()).With("actor_id", actor.ID, "actor_role", string(actor.Role))
		ctx := util.ContextWithLogger(r.Context(), logger)
		next(w, r.WithContext(ctx), actor)
	})
}

// allowRequest throttles borrow requests per actor.
func (s *Server) allowRequest(w http.ResponseWriter, r *http.Request, actor domain.Actor) bool {
	if s.requestLimiter == nil {
		return true
	}
	decision := s.requestLimiter.Allow(r.Context(), actor.ID)
	if decision.Allowed {
		return true
	}
	retry := int(decision.RetryAfter.Round(time.Second) / time.Second)
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	writeError(w, http.StatusTooManyRequests, "too many borrow requests")
	return false
}

// /sessions
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateSession(w, r, actor)
	case http.MethodGet:
		s.handleListSessions(w, r, actor)
	default:
		methodNotAllowed(w)
	}
}

type createSessionRequest struct {
	MemberID string   `json:"memberId"`
	TitleIDs []string `json:"titleIds"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	var req createSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !s.allowRequest(w, r, actor) {
		return
	}
	session, err := s.app.Sessions.CreateRequest(r.Context(), actor, req.MemberID, req.TitleIDs)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	s.writeSession(w, r, http.StatusCreated, session)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	q := r.URL.Query()
	status, ok := parseStatus(q.Get("status"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}
	page, err := optionalInt(q.Get("page"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid page")
		return
	}
	limit, err := optionalInt(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	result, err := s.app.Sessions.ListSessions(r.Context(), actor, app.ListFilter{
		Status:   status,
		MemberID: strings.TrimSpace(q.Get("memberId")),
		Search:   q.Get("search"),
		Page:     page,
		Limit:    limit,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	l := requestLang(r)
	now := s.app.Now()
	items := make([]sessionResponse, 0, len(result.Items))
	for _, session := range result.Items {
		items = append(items, toSessionResponse(session, now, l))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"total": result.Total,
		"page":  result.Page,
		"limit": result.Limit,
	})
}

// /sessions/{id} and /sessions/{id}/{action}
func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	path := strings.TrimPrefix(r.URL.Path, "/sessions/")
	parts := strings.SplitN(path, "/", 2)
	id := strings.TrimSpace(parts[0])
	if id == "" {
		notFound(w, "not found")
		return
	}
	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		session, err := s.app.Sessions.GetSession(r.Context(), actor, id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		s.writeSession(w, r, http.StatusOK, session)
		return
	}

	action := parts[1]
	switch action {
	case "fee-preview":
		s.handleFeePreview(w, r, actor, id)
		return
	case "transitions":
		s.handleTransitions(w, r, actor, id)
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	version, ok := ifMatchVersion(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid If-Match header")
		return
	}
	ctx := r.Context()
	var (
		session domain.BorrowSession
		err     error
	)
	switch action {
	case "cancel":
		session, err = s.app.Sessions.Cancel(ctx, actor, id, version)
	case "approve":
		session, err = s.app.Sessions.Approve(ctx, actor, id, version)
	case "issue":
		session, err = s.app.Sessions.Issue(ctx, actor, id, version)
	case "renew":
		session, err = s.app.Sessions.Renew(ctx, actor, id, version)
	case "reject":
		var req struct {
			Reason string `json:"reason"`
		}
		if !decodeOptionalJSON(w, r, &req) {
			return
		}
		session, err = s.app.Sessions.Reject(ctx, actor, id, version, req.Reason)
	case "return":
		s.handleReturn(w, r, actor, id, version)
		return
	default:
		notFound(w, "not found")
		return
	}
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	s.writeSession(w, r, http.StatusOK, session)
}

type lineReturnRequest struct {
	LineID    string `json:"lineId"`
	Condition string `json:"condition"`
	Amount    *int64 `json:"amount,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type returnRequest struct {
	PerLine []lineReturnRequest `json:"perLine"`
	Notes   string              `json:"notes,omitempty"`
}

func (s *Server) handleReturn(w http.ResponseWriter, r *http.Request, actor domain.Actor, id string, version int64) {
	var req returnRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	in := app.ReturnRequest{Notes: req.Notes, PerLine: make([]app.LineReturn, 0, len(req.PerLine))}
	for _, line := range req.PerLine {
		condition, ok := parseCondition(line.Condition)
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid condition %q", line.Condition))
			return
		}
		in.PerLine = append(in.PerLine, app.LineReturn{
			LineID:    line.LineID,
			Condition: condition,
			Amount:    line.Amount,
			Reason:    line.Reason,
		})
	}
	result, err := s.app.Sessions.ReturnItems(r.Context(), actor, id, version, in)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	l := requestLang(r)
	violations := make([]violationResponse, 0, len(result.Violations))
	for _, v := range result.Violations {
		violations = append(violations, toViolationResponse(v, l))
	}
	setETag(w, result.Session.Version)
	writeJSON(w, http.StatusOK, map[string]any{
		"session":    toSessionResponse(result.Session, s.app.Now(), l),
		"violations": violations,
	})
}

func (s *Server) handleFeePreview(w http.ResponseWriter, r *http.Request, actor domain.Actor, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	var at time.Time
	if raw := strings.TrimSpace(r.URL.Query().Get("at")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid at (RFC3339 expected)")
			return
		}
		at = parsed
	}
	preview, err := s.app.Sessions.PreviewFee(r.Context(), actor, id, at)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request, actor domain.Actor, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	history, err := s.app.Sessions.Transitions(r.Context(), actor, id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	l := requestLang(r)
	out := make([]transitionResponse, 0, len(history))
	for _, tr := range history {
		out = append(out, toTransitionResponse(tr, l))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	stats, err := s.app.Sessions.Statistics(r.Context(), actor)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// /members/{id}, /members/{id}/history, /members/{id}/violations,
// /members/{id}/payments, /members/{id}/debt
func (s *Server) handleMember(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	path := strings.TrimPrefix(r.URL.Path, "/members/")
	parts := strings.SplitN(path, "/", 2)
	id := strings.TrimSpace(parts[0])
	if id == "" {
		notFound(w, "not found")
		return
	}
	ctx := r.Context()
	l := requestLang(r)
	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		member, err := s.app.GetMember(ctx, actor, id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, member)
		return
	}
	switch parts[1] {
	case "history":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		history, err := s.app.Sessions.MemberHistory(ctx, actor, id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		now := s.app.Now()
		items := make([]sessionResponse, 0, len(history))
		for _, session := range history {
			items = append(items, toSessionResponse(session, now, l))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case "violations":
		s.handleViolations(w, r, actor, id)
	case "payments":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var req struct {
			Amount int64 `json:"amount"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		result, err := s.app.Violations.ApplyPayment(ctx, actor, id, req.Amount)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		settled := make([]violationResponse, 0, len(result.Settled))
		for _, v := range result.Settled {
			settled = append(settled, toViolationResponse(v, l))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"memberId":      result.MemberID,
			"applied":       result.Applied,
			"remainingDebt": result.Remaining,
			"settled":       settled,
		})
	case "debt":
		switch r.Method {
		case http.MethodGet:
			if _, err := s.app.GetMember(ctx, actor, id); err != nil {
				writeAppError(w, r, err)
				return
			}
			debt, err := s.app.Violations.Outstanding(ctx, id)
			if err != nil {
				writeAppError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"memberId": id, "unpaidDebt": debt})
		case http.MethodPost:
			debt, err := s.app.Violations.RecomputeDebt(ctx, actor, id)
			if err != nil {
				writeAppError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"memberId": id, "unpaidDebt": debt})
		default:
			methodNotAllowed(w)
		}
	default:
		notFound(w, "not found")
	}
}

type recordViolationRequest struct {
	SessionID   string `json:"sessionId"`
	Amount      int64  `json:"amount"`
	Reason      string `json:"reason"`
	Description string `json:"description"`
}

func (s *Server) handleViolations(w http.ResponseWriter, r *http.Request, actor domain.Actor, memberID string) {
	l := requestLang(r)
	switch r.Method {
	case http.MethodGet:
		unpaidOnly, _ := strconv.ParseBool(r.URL.Query().Get("unpaid"))
		list, err := s.app.Violations.ListViolations(r.Context(), actor, memberID, unpaidOnly)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		items := make([]violationResponse, 0, len(list))
		for _, v := range list {
			items = append(items, toViolationResponse(v, l))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case http.MethodPost:
		var req recordViolationRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		v, err := s.app.Violations.RecordViolation(r.Context(), actor, memberID, strings.TrimSpace(req.SessionID), req.Amount,
			domain.ViolationReason(strings.ToLower(strings.TrimSpace(req.Reason))), req.Description)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, toViolationResponse(v, l))
	default:
		methodNotAllowed(w)
	}
}

// /basket returns the basket; staff pass ?memberId= to act for a member.
func (s *Server) handleBasket(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	basket, err := s.app.Basket.Get(r.Context(), actor, basketMember(r))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, basket)
}

type basketLineRequest struct {
	TitleID  string `json:"titleId"`
	Quantity *int   `json:"quantity,omitempty"`
	Selected *bool  `json:"selected,omitempty"`
}

// /basket/lines, /basket/lines/{titleId}, /basket/preview, /basket/checkout
func (s *Server) handleBasketPath(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	path := strings.TrimPrefix(r.URL.Path, "/basket/")
	parts := strings.SplitN(path, "/", 2)
	memberID := basketMember(r)
	ctx := r.Context()
	switch {
	case parts[0] == "preview" && len(parts) == 1:
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		preview, err := s.app.Basket.Preview(ctx, actor, memberID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, preview)
	case parts[0] == "checkout" && len(parts) == 1:
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		if !s.allowRequest(w, r, actor) {
			return
		}
		session, err := s.app.Basket.Checkout(ctx, actor, memberID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		s.writeSession(w, r, http.StatusCreated, session)
	case parts[0] == "lines" && len(parts) == 1:
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var req basketLineRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		qty := 1
		if req.Quantity != nil {
			qty = *req.Quantity
		}
		basket, err := s.app.Basket.AddLine(ctx, actor, memberID, req.TitleID, qty)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, basket)
	case parts[0] == "lines" && len(parts) == 2 && strings.TrimSpace(parts[1]) != "":
		s.handleBasketLine(w, r, actor, memberID, strings.TrimSpace(parts[1]))
	default:
		notFound(w, "not found")
	}
}

func (s *Server) handleBasketLine(w http.ResponseWriter, r *http.Request, actor domain.Actor, memberID, titleID string) {
	ctx := r.Context()
	var (
		basket domain.Basket
		err    error
	)
	switch r.Method {
	case http.MethodPatch:
		var req basketLineRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.Quantity == nil && req.Selected == nil {
			writeError(w, http.StatusBadRequest, "quantity or selected is required")
			return
		}
		if req.Quantity != nil {
			basket, err = s.app.Basket.SetQuantity(ctx, actor, memberID, titleID, *req.Quantity)
		}
		if err == nil && req.Selected != nil {
			basket, err = s.app.Basket.Select(ctx, actor, memberID, titleID, *req.Selected)
		}
	case http.MethodDelete:
		basket, err = s.app.Basket.RemoveLine(ctx, actor, memberID, titleID)
	default:
		methodNotAllowed(w)
		return
	}
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, basket)
}

func basketMember(r *http.Request) string {
	return strings.TrimSpace(r.URL.Query().Get("memberId"))
}

// /titles/{id}/stock
func (s *Server) handleTitle(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	path := strings.TrimPrefix(r.URL.Path, "/titles/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "stock" {
		notFound(w, "not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if !actor.IsStaff() {
		available, err := s.app.Ledger.Available(r.Context(), parts[0])
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"titleId": parts[0], "available": available})
		return
	}
	snapshot, err := s.app.Ledger.Snapshot(r.Context(), parts[0])
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

type upsertTitleRequest struct {
	Name        string `json:"name"`
	TotalCopies int    `json:"totalCopies"`
}

// PUT /internal/titles/{id}
func (s *Server) handleInternalTitle(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	id := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, "/internal/titles/"))
	if id == "" || strings.Contains(id, "/") {
		notFound(w, "not found")
		return
	}
	if r.Method != http.MethodPut {
		methodNotAllowed(w)
		return
	}
	var req upsertTitleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	title, err := s.app.UpsertTitle(r.Context(), actor, id, req.Name, req.TotalCopies)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, title)
}

type upsertMemberRequest struct {
	Name            string `json:"name"`
	Status          string `json:"status"`
	MaxActiveCopies int    `json:"maxActiveCopies"`
	MaxRenewals     int    `json:"maxRenewals"`
}

// PUT /internal/members/{id}
func (s *Server) handleInternalMember(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	id := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, "/internal/members/"))
	if id == "" || strings.Contains(id, "/") {
		notFound(w, "not found")
		return
	}
	if r.Method != http.MethodPut {
		methodNotAllowed(w)
		return
	}
	var req upsertMemberRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	member, err := s.app.UpsertMember(r.Context(), actor, domain.Member{
		ID:              id,
		Name:            strings.TrimSpace(req.Name),
		Status:          domain.MemberStatus(strings.ToLower(strings.TrimSpace(req.Status))),
		MaxActiveCopies: req.MaxActiveCopies,
		MaxRenewals:     req.MaxRenewals,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, member)
}

func (s *Server) writeSession(w http.ResponseWriter, r *http.Request, status int, session domain.BorrowSession) {
	setETag(w, session.Version)
	writeJSON(w, status, toSessionResponse(session, s.app.Now(), requestLang(r)))
}

func setETag(w http.ResponseWriter, version int64) {
	w.Header().Set("ETag", strconv.Quote(strconv.FormatInt(version, 10)))
}

// ifMatchVersion reads the expected session version from If-Match.
// A missing header or "*" skips the version check.
func ifMatchVersion(r *http.Request) (int64, bool) {
	raw := strings.TrimSpace(r.Header.Get("If-Match"))
	if raw == "" || raw == "*" {
		return 0, true
	}
	raw = strings.TrimPrefix(raw, "W/")
	raw = strings.Trim(raw, `"`)
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || version < 1 {
		return 0, false
	}
	return version, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// decodeOptionalJSON is decodeJSON that leaves dst untouched on an empty body.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func optionalInt(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeCodedError(w, status, errorCodeForStatus(status, msg), msg)
}

func writeCodedError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

// writeAppError maps the circulation error taxonomy onto HTTP statuses.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *app.Error
	if !errors.As(err, &appErr) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			writeError(w, http.StatusServiceUnavailable, "request cancelled")
			return
		}
		util.LoggerFromContext(r.Context()).Error("circulation request failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeCodedError(w, statusForKind(appErr.Kind), appErr.Code, appErr.Message)
}

func statusForKind(kind error) int {
	switch {
	case errors.Is(kind, app.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(kind, app.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(kind, app.ErrConflict):
		return http.StatusConflict
	case errors.Is(kind, app.ErrStateTransition):
		return http.StatusUnprocessableEntity
	case errors.Is(kind, app.ErrAuthorization):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func errorCodeForStatus(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "unauthorized":
		return "AUTH_INVALID_TOKEN"
	case status == http.StatusTooManyRequests:
		return "CIRCULATION_RATE_LIMITED"
	case message == "invalid json body":
		return "CIRCULATION_INVALID_JSON"
	case message == "invalid if-match header":
		return "SESSION_INVALID_VERSION"
	}
	switch status {
	case http.StatusBadRequest:
		return app.CodeInvalidRequest
	case http.StatusNotFound:
		return "CIRCULATION_NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "CIRCULATION_METHOD_NOT_ALLOWED"
	case http.StatusServiceUnavailable:
		return "SYSTEM_UNAVAILABLE"
	default:
		return "SYSTEM_INTERNAL_ERROR"
	}
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
