// Package api exposes the settlement engine over HTTP.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"freightflow/account"
	"freightflow/auth"
	"freightflow/contract"
	"freightflow/matching"
	"freightflow/offer"
	"freightflow/payment"
	"freightflow/settlement"
)

// Processor webhooks are small; anything larger is not a real event.
const maxWebhookBody = 64 << 10

var errInvalidInput = errors.New("invalid input")

// EventVerifier authenticates a processor webhook and decodes it.
type EventVerifier interface {
	Verify(payload []byte, signature string) (settlement.Event, error)
}

// Matcher ranks carriers for an offer.
type Matcher interface {
	Candidates(ctx context.Context, o offer.Offer, limit int) ([]matching.Candidate, error)
}

// Deps are the services the handlers call.
type Deps struct {
	Offers     *offer.Service
	Contracts  *contract.Service
	Accounts   *account.Service
	Reconciler *settlement.Reconciler
	Webhooks   EventVerifier
	Matcher    Matcher
	Log        zerolog.Logger
}

type Handler struct {
	offers     *offer.Service
	contracts  *contract.Service
	accounts   *account.Service
	reconciler *settlement.Reconciler
	webhooks   EventVerifier
	matcher    Matcher
	log        zerolog.Logger
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		offers:     d.Offers,
		contracts:  d.Contracts,
		accounts:   d.Accounts,
		reconciler: d.Reconciler,
		webhooks:   d.Webhooks,
		matcher:    d.Matcher,
		log:        d.Log,
	}
}

// Register mounts every route. The webhook is authenticated by its signature,
// not by a bearer token.
func (h *Handler) Register(router *gin.Engine, authMiddleware gin.HandlerFunc) {
	router.POST("/webhooks/processor", h.processorWebhook)

	protected := router.Group("/")
	protected.Use(authMiddleware)

	protected.POST("/offers", RequireRole(auth.RoleBroker), h.createOffer)
	protected.GET("/offers", h.listOffers)
	protected.GET("/offers/:id", h.getOffer)
	protected.POST("/offers/:id/accept", RequireRole(auth.RoleCarrier), h.acceptOffer)
	protected.GET("/offers/:id/matches", RequireRole(auth.RoleBroker, auth.RoleAdmin), h.offerMatches)

	protected.POST("/contracts", RequireRole(auth.RoleCarrier, auth.RoleAdmin), h.generateContract)
	protected.GET("/contracts/:id", h.getContract)
	protected.POST("/contracts/:id/sign", RequireRole(auth.RoleCarrier), h.signContract)
	protected.POST("/contracts/:id/delivery", RequireRole(auth.RoleBroker, auth.RoleAdmin), h.confirmDelivery)

	protected.GET("/accounts/me", RequireRole(auth.RoleBroker, auth.RoleCarrier), h.getAccount)
	protected.PUT("/accounts/me", RequireRole(auth.RoleBroker, auth.RoleCarrier), h.registerAccount)

	admin := protected.Group("/settlement", RequireRole(auth.RoleAdmin))
	admin.GET("/held", h.listHeld)
	admin.GET("/events/:id", h.getEvent)
	admin.POST("/held/:id/replay", h.replayEvent)
	admin.POST("/held/:id/resolve", h.resolveEvent)
}

type createOfferRequest struct {
	Kind               string          `json:"kind"`
	Origin             string          `json:"origin" binding:"required"`
	Destination        string          `json:"destination" binding:"required"`
	Equipment          string          `json:"equipment" binding:"required"`
	RatePerDistance    decimal.Decimal `json:"rate_per_distance"`
	DistanceEstimate   decimal.Decimal `json:"distance_estimate"`
	ExpiresAt          *time.Time      `json:"expires_at"`
	StartDate          *time.Time      `json:"start_date"`
	EndDate            *time.Time      `json:"end_date"`
	ForecastConfidence *float64        `json:"forecast_confidence"`
	MarketDemand       string          `json:"market_demand"`
}

type holdResponse struct {
	ID         string          `json:"id"`
	ExternalID string          `json:"external_id"`
	Purpose    payment.Purpose `json:"purpose"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	Status     payment.Status  `json:"status"`
}

type createOfferResponse struct {
	Offer   offer.Offer  `json:"offer"`
	Payment holdResponse `json:"payment"`
}

func (h *Handler) createOffer(c *gin.Context) {
	principal, ok := MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}

	var req createOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	params := offer.CreateParams{
		BrokerID:           principal.PartyID,
		Kind:               offer.Kind(strings.ToLower(strings.TrimSpace(req.Kind))),
		Lane:               offer.Lane{Origin: req.Origin, Destination: req.Destination},
		Equipment:          offer.Equipment(strings.ToLower(strings.TrimSpace(req.Equipment))),
		RatePerDistance:    req.RatePerDistance,
		DistanceEstimate:   req.DistanceEstimate,
		StartDate:          req.StartDate,
		EndDate:            req.EndDate,
		ForecastConfidence: req.ForecastConfidence,
	}
	if req.ExpiresAt != nil {
		params.ExpiresAt = *req.ExpiresAt
	}
	if req.MarketDemand != "" {
		demand := offer.Demand(req.MarketDemand)
		params.MarketDemand = &demand
	}

	created, err := h.offers.Create(c.Request.Context(), params)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusCreated, createOfferResponse{
		Offer: created.Offer,
		Payment: holdResponse{
			ID:         created.Payment.ID,
			ExternalID: created.Payment.ExternalID,
			Purpose:    created.Payment.Purpose,
			Amount:     created.Payment.Amount,
			Currency:   created.Payment.Currency,
			Status:     created.Payment.Status,
		},
	})
}

func (h *Handler) listOffers(c *gin.Context) {
	principal, ok := MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}

	f := offer.Filter{BrokerID: strings.TrimSpace(c.Query("broker_id"))}
	if principal.Is(auth.RoleBroker) {
		f.BrokerID = principal.PartyID
	}
	if raw := c.Query("status"); raw != "" {
		status, err := parseOfferStatus(raw)
		if err != nil {
			h.handleError(c, err)
			return
		}
		f.Status = status
	}
	var err error
	if f.Limit, err = queryInt(c, "limit", 50); err != nil {
		h.handleError(c, err)
		return
	}
	if f.Offset, err = queryInt(c, "offset", 0); err != nil {
		h.handleError(c, err)
		return
	}

	offers, err := h.offers.List(c.Request.Context(), f)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offers": offers})
}

func (h *Handler) getOffer(c *gin.Context) {
	o, err := h.offers.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

type acceptResponse struct {
	Offer    offer.Offer        `json:"offer"`
	Contract *contract.Contract `json:"contract,omitempty"`
}

// acceptOffer claims the offer and derives its contract in the same request.
// A failed derivation leaves the acceptance in place; POST /contracts retries it.
func (h *Handler) acceptOffer(c *gin.Context) {
	principal, ok := MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}

	ctx := c.Request.Context()
	o, err := h.offers.Accept(ctx, c.Param("id"), principal.PartyID)
	if err != nil {
		h.handleError(c, err)
		return
	}

	resp := acceptResponse{Offer: o}
	generated, err := h.contracts.Generate(ctx, o.ID, principal.PartyID)
	if err != nil {
		h.log.Warn().Err(err).Str("offer_id", o.ID).Msg("contract generation after accept failed")
	} else {
		resp.Contract = &generated
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) offerMatches(c *gin.Context) {
	principal, ok := MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}

	ctx := c.Request.Context()
	o, err := h.offers.Get(ctx, c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	if principal.Is(auth.RoleBroker) && o.BrokerID != principal.PartyID {
		h.handleError(c, auth.ErrForbidden)
		return
	}
	limit, err := queryInt(c, "limit", 10)
	if err != nil {
		h.handleError(c, err)
		return
	}

	candidates := []matching.Candidate{}
	if h.matcher != nil {
		found, err := h.matcher.Candidates(ctx, o, limit)
		if err != nil {
			h.handleError(c, err)
			return
		}
		candidates = append(candidates, found...)
	}
	c.JSON(http.StatusOK, gin.H{"offer_id": o.ID, "candidates": candidates})
}

type generateContractRequest struct {
	OfferID   string `json:"offer_id" binding:"required"`
	CarrierID string `json:"carrier_id"`
}

func (h *Handler) generateContract(c *gin.Context) {
	principal, ok := MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}

	var req generateContractRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	carrierID := strings.TrimSpace(req.CarrierID)
	if principal.Is(auth.RoleCarrier) {
		if carrierID != "" && carrierID != principal.PartyID {
			h.handleError(c, auth.ErrForbidden)
			return
		}
		carrierID = principal.PartyID
	}

	ct, err := h.contracts.Generate(c.Request.Context(), req.OfferID, carrierID)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, ct)
}

func (h *Handler) getContract(c *gin.Context) {
	ct, ok := h.loadContract(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, ct)
}

func (h *Handler) signContract(c *gin.Context) {
	principal, ok := MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}

	ct, err := h.contracts.Sign(c.Request.Context(), c.Param("id"), principal.PartyID)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, ct)
}

func (h *Handler) confirmDelivery(c *gin.Context) {
	if _, ok := h.loadContract(c); !ok {
		return
	}

	ct, err := h.contracts.ConfirmDelivery(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, ct)
}

// loadContract fetches the contract in the path and checks the caller is a
// party to it. It writes the error response itself.
func (h *Handler) loadContract(c *gin.Context) (contract.Contract, bool) {
	principal, ok := MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return contract.Contract{}, false
	}

	ct, err := h.contracts.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return contract.Contract{}, false
	}
	if !principal.Is(auth.RoleAdmin) && principal.PartyID != ct.BrokerID && principal.PartyID != ct.CarrierID {
		h.handleError(c, auth.ErrForbidden)
		return contract.Contract{}, false
	}
	return ct, true
}

type accountRequest struct {
	DisplayName        string `json:"display_name"`
	ProcessorAccountID string `json:"processor_account_id" binding:"required"`
}

type accountResponse struct {
	PartyID            string       `json:"party_id"`
	Role               account.Role `json:"role"`
	DisplayName        string       `json:"display_name"`
	ProcessorAccountID *string      `json:"processor_account_id,omitempty"`
	PayoutsEnabled     bool         `json:"payouts_enabled"`
	UpdatedAt          string       `json:"updated_at"`
}

func toAccountResponse(p account.Profile) accountResponse {
	return accountResponse{
		PartyID:            p.PartyID,
		Role:               p.Role,
		DisplayName:        p.DisplayName,
		ProcessorAccountID: p.ProcessorAccountID,
		PayoutsEnabled:     p.PayoutsEnabled,
		UpdatedAt:          p.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func (h *Handler) getAccount(c *gin.Context) {
	principal, ok := MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}

	p, err := h.accounts.GetByID(c.Request.Context(), principal.PartyID)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, toAccountResponse(p))
}

func (h *Handler) registerAccount(c *gin.Context) {
	principal, ok := MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}

	var req accountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	acct := strings.TrimSpace(req.ProcessorAccountID)
	p, err := h.accounts.Register(c.Request.Context(), account.Profile{
		PartyID:            principal.PartyID,
		Role:               account.Role(principal.Role),
		DisplayName:        strings.TrimSpace(req.DisplayName),
		ProcessorAccountID: &acct,
	})
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, toAccountResponse(p))
}

// processorWebhook verifies the signature before anything is written. Verified
// events of an unknown type are recorded as rejected and acknowledged so the
// processor stops redelivering them.
func (h *Handler) processorWebhook(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	ctx := c.Request.Context()
	ev, err := h.webhooks.Verify(payload, c.GetHeader("Stripe-Signature"))
	var unknown *settlement.UnknownKindError
	switch {
	case errors.As(err, &unknown):
		res, err := h.reconciler.Reject(ctx, unknown)
		if err != nil {
			h.handleError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
		return
	case err != nil:
		h.log.Warn().Err(err).Msg("webhook rejected")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event"})
		return
	}

	res, err := h.reconciler.Handle(ctx, ev)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type eventResponse struct {
	ID              string               `json:"id"`
	ProviderEventID string               `json:"provider_event_id"`
	Kind            settlement.Kind      `json:"kind"`
	ExternalID      string               `json:"external_id"`
	Outcome         settlement.Outcome   `json:"outcome"`
	Detail          string               `json:"detail"`
	ReceivedAt      time.Time            `json:"received_at"`
	ProcessedAt     *time.Time           `json:"processed_at,omitempty"`
	Event           *settlement.Envelope `json:"event,omitempty"`
}

func toEventResponse(r settlement.EventRecord) eventResponse {
	resp := eventResponse{
		ID:              r.ID,
		ProviderEventID: r.ProviderEventID,
		Kind:            r.Kind,
		ExternalID:      r.ExternalID,
		Outcome:         r.Outcome,
		Detail:          r.Detail,
		ReceivedAt:      r.ReceivedAt,
		ProcessedAt:     r.ProcessedAt,
	}
	if ev, err := settlement.DecodeStored(r.Payload); err == nil {
		env := ev.Header()
		resp.Event = &env
	}
	return resp
}

func (h *Handler) listHeld(c *gin.Context) {
	limit, err := queryInt(c, "limit", 100)
	if err != nil {
		h.handleError(c, err)
		return
	}
	records, err := h.reconciler.ListHeld(c.Request.Context(), limit)
	if err != nil {
		h.handleError(c, err)
		return
	}
	out := make([]eventResponse, 0, len(records))
	for _, r := range records {
		out = append(out, toEventResponse(r))
	}
	c.JSON(http.StatusOK, gin.H{"events": out})
}

func (h *Handler) getEvent(c *gin.Context) {
	rec, err := h.reconciler.GetEvent(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, toEventResponse(rec))
}

func (h *Handler) replayEvent(c *gin.Context) {
	res, err := h.reconciler.Replay(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type resolveRequest struct {
	Note string `json:"note" binding:"required"`
}

func (h *Handler) resolveEvent(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.reconciler.Resolve(c.Request.Context(), c.Param("id"), strings.TrimSpace(req.Note))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) handleError(c *gin.Context, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(status, gin.H{"error": "internal error", "code": code})
		return
	}
	if status == http.StatusBadGateway {
		h.log.Warn().Err(err).Str("path", c.FullPath()).Msg("upstream failure")
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": code})
}

func classify(err error) (int, string) {
	var procErr *payment.ProcessorError
	switch {
	case errors.Is(err, offer.ErrAlreadyTaken):
		return http.StatusConflict, "already_taken"
	case errors.Is(err, offer.ErrExpired):
		return http.StatusGone, "expired"
	case errors.Is(err, offer.ErrNotFound),
		errors.Is(err, contract.ErrNotFound),
		errors.Is(err, account.ErrNotFound),
		errors.Is(err, payment.ErrNotFound),
		errors.Is(err, settlement.ErrEventNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, errInvalidInput),
		errors.Is(err, offer.ErrInvalidOffer),
		errors.Is(err, offer.ErrMissingCarrier),
		errors.Is(err, payment.ErrInvalidAmount),
		errors.Is(err, payment.ErrMissingPayer),
		errors.Is(err, payment.ErrMissingOffer),
		errors.Is(err, payment.ErrMissingContract),
		errors.Is(err, account.ErrInvalidProfile):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, auth.ErrForbidden),
		errors.Is(err, contract.ErrCarrierMismatch):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, offer.ErrNotExpirable),
		errors.Is(err, contract.ErrOfferNotAccepted),
		errors.Is(err, contract.ErrNotSignable),
		errors.Is(err, contract.ErrNotSigned),
		errors.Is(err, contract.ErrEscrowNotHeld),
		errors.Is(err, contract.ErrNotDelivered),
		errors.Is(err, settlement.ErrNotHeld),
		errors.Is(err, account.ErrNoProcessorAccount),
		errors.Is(err, account.ErrPayoutsDisabled),
		errors.Is(err, payment.ErrNoDestination):
		return http.StatusConflict, "conflict"
	case errors.As(err, &procErr),
		errors.Is(err, matching.ErrUnavailable):
		return http.StatusBadGateway, "upstream_unavailable"
	}
	return http.StatusInternalServerError, "internal"
}

func parseOfferStatus(raw string) (offer.Status, error) {
	switch s := offer.Status(strings.ToLower(strings.TrimSpace(raw))); s {
	case offer.StatusOpen, offer.StatusAccepted, offer.StatusFunded, offer.StatusExpired, offer.StatusCancelled:
		return s, nil
	}
	return "", errInvalidInput
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errInvalidInput
	}
	return n, nil
}
