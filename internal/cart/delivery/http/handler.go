package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tair/cart-sync/internal/cart/domain"
	"github.com/tair/cart-sync/internal/cart/engine"
	"github.com/tair/cart-sync/pkg/logger"
)

// CartHandler exposes the cart engines of all sessions over HTTP
type CartHandler struct {
	sessions *engine.Manager
	validate *validator.Validate
	limiter  Limiter

	requestCounter *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
}

// NewCartHandler creates the handler and registers its metrics on reg. limiter may be nil.
func NewCartHandler(sessions *engine.Manager, limiter Limiter, reg prometheus.Registerer) *CartHandler {
	requestCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cart_service_requests_total",
			Help: "Total number of requests to the cart service",
		},
		[]string{"method", "endpoint", "status"},
	)

	requestLatency := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cart_service_request_duration_seconds",
			Help:    "Duration of cart service requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	if reg != nil {
		reg.MustRegister(requestCounter, requestLatency)
	}

	return &CartHandler{
		sessions:       sessions,
		validate:       validator.New(),
		limiter:        limiter,
		requestCounter: requestCounter,
		requestLatency: requestLatency,
	}
}

type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// metricsMiddleware wraps handlers with Prometheus metrics
func (h *CartHandler) metricsMiddleware(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		h.requestCounter.WithLabelValues(r.Method, endpoint, strconv.Itoa(rw.statusCode)).Inc()
		h.requestLatency.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
	}
}

func (h *CartHandler) RegisterRoutes(router *mux.Router) {
	limit := RateLimitMiddleware(h.limiter)
	route := func(endpoint string, fn http.HandlerFunc) http.HandlerFunc {
		return h.metricsMiddleware(endpoint, SessionMiddleware(OptionalAuthMiddleware(fn)))
	}

	router.HandleFunc("/api/cart", route("/api/cart", h.GetCart)).Methods("GET")
	router.HandleFunc("/api/cart", route("/api/cart", limit(h.ClearCart))).Methods("DELETE")
	router.HandleFunc("/api/cart/items", route("/api/cart/items", limit(h.AddItem))).Methods("POST")
	router.HandleFunc("/api/cart/items", route("/api/cart/items", limit(h.SetQuantity))).Methods("PATCH")
	router.HandleFunc("/api/cart/items", route("/api/cart/items", limit(h.RemoveItem))).Methods("DELETE")

	// login needs a valid token
	router.HandleFunc("/api/cart/login", h.metricsMiddleware("/api/cart/login",
		SessionMiddleware(AuthMiddleware(limit(h.Login))))).Methods("POST")
}

type addItemRequest struct {
	ProductID       string `json:"productId" validate:"required"`
	Quantity        int    `json:"quantity" validate:"gte=1,lte=1000000"`
	Price           int64  `json:"price" validate:"gte=0,lte=100000000000000"`
	SelectedColor   string `json:"selectedColor"`
	SelectedStorage string `json:"selectedStorage"`
	Image           string `json:"image" validate:"omitempty,max=2048"`
}

type setQuantityRequest struct {
	RemoteID        string `json:"remoteId"`
	ProductID       string `json:"productId" validate:"required_without=RemoteID"`
	SelectedColor   string `json:"selectedColor"`
	SelectedStorage string `json:"selectedStorage"`
	Quantity        int    `json:"quantity" validate:"gte=1,lte=1000000"`
}

type itemView struct {
	RemoteID  string       `json:"remoteId,omitempty"`
	ProductID string       `json:"productId"`
	Color     string       `json:"selectedColor,omitempty"`
	Storage   string       `json:"selectedStorage,omitempty"`
	Quantity  int          `json:"quantity"`
	UnitPrice domain.Money `json:"price"`
	LineTotal domain.Money `json:"lineTotal"`
	Image     string       `json:"image,omitempty"`
}

type cartView struct {
	SessionID       string       `json:"sessionId"`
	Mode            string       `json:"mode"`
	UserID          string       `json:"userId,omitempty"`
	Items           []itemView   `json:"items"`
	Subtotal        domain.Money `json:"subtotal"`
	ShippingFee     domain.Money `json:"shippingFee"`
	GrandTotal      domain.Money `json:"grandTotal"`
	ShippingPending bool         `json:"shippingPending"`
	Version         uint64       `json:"version"`
}

type mergeFailureView struct {
	ProductID string `json:"productId"`
	Color     string `json:"selectedColor,omitempty"`
	Storage   string `json:"selectedStorage,omitempty"`
	Quantity  int    `json:"quantity"`
	Error     string `json:"error"`
}

type loginView struct {
	Cart    cartView           `json:"cart"`
	Merged  int                `json:"merged"`
	Failed  []mergeFailureView `json:"failed,omitempty"`
	Cleared bool               `json:"guestCleared"`
}

// GetCart handles GET /api/cart
func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	eng, ok := h.engine(w, r, h.requestOwner(r))
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, Response{Success: true, Data: newCartView(eng)})
}

// AddItem handles POST /api/cart/items
func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	var req addItemRequest
	if !h.decode(w, r, &req) {
		return
	}
	eng, ok := h.engine(w, r, h.requestOwner(r))
	if !ok {
		return
	}

	err := eng.AddItem(r.Context(), domain.LineItem{
		ProductID: req.ProductID,
		Variant:   domain.Variant{Color: req.SelectedColor, Storage: req.SelectedStorage},
		Quantity:  req.Quantity,
		UnitPrice: domain.Money(req.Price),
		Image:     req.Image,
	})
	if err != nil {
		h.respondEngineError(w, r, "Failed to add cart item", err)
		return
	}
	respondJSON(w, http.StatusCreated, Response{Success: true, Message: "Item added", Data: newCartView(eng)})
}

// SetQuantity handles PATCH /api/cart/items
func (h *CartHandler) SetQuantity(w http.ResponseWriter, r *http.Request) {
	var req setQuantityRequest
	if !h.decode(w, r, &req) {
		return
	}
	eng, ok := h.engine(w, r, h.requestOwner(r))
	if !ok {
		return
	}

	key, found := resolveKey(eng, req.RemoteID, req.ProductID, domain.Variant{Color: req.SelectedColor, Storage: req.SelectedStorage})
	if !found && req.Quantity >= 1 {
		h.respondEngineError(w, r, "Failed to update cart item", domain.ErrItemNotFound)
		return
	}
	if err := eng.SetQuantity(r.Context(), key, req.Quantity); err != nil {
		h.respondEngineError(w, r, "Failed to update cart item", err)
		return
	}
	respondJSON(w, http.StatusOK, Response{Success: true, Message: "Quantity updated", Data: newCartView(eng)})
}

// RemoveItem handles DELETE /api/cart/items?remoteId= or ?productId=&color=&storage=
func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	remoteID, productID := q.Get("remoteId"), q.Get("productId")
	if remoteID == "" && productID == "" {
		respondError(w, http.StatusBadRequest, "remoteId or productId is required")
		return
	}
	eng, ok := h.engine(w, r, h.requestOwner(r))
	if !ok {
		return
	}

	key, found := resolveKey(eng, remoteID, productID, domain.Variant{Color: q.Get("color"), Storage: q.Get("storage")})
	if found {
		if err := eng.RemoveItem(r.Context(), key); err != nil {
			h.respondEngineError(w, r, "Failed to remove cart item", err)
			return
		}
	}
	respondJSON(w, http.StatusOK, Response{Success: true, Message: "Item removed", Data: newCartView(eng)})
}

// ClearCart handles DELETE /api/cart
func (h *CartHandler) ClearCart(w http.ResponseWriter, r *http.Request) {
	eng, ok := h.engine(w, r, h.requestOwner(r))
	if !ok {
		return
	}
	if err := eng.Clear(r.Context()); err != nil {
		h.respondEngineError(w, r, "Failed to clear cart", err)
		return
	}
	respondJSON(w, http.StatusOK, Response{Success: true, Message: "Cart cleared", Data: newCartView(eng)})
}

// Login handles POST /api/cart/login. The session's guest cart is merged into
// the authenticated user's cart.
func (h *CartHandler) Login(w http.ResponseWriter, r *http.Request) {
	eng, ok := h.engine(w, r, domain.Guest())
	if !ok {
		return
	}

	result, err := eng.Login(r.Context(), userIDFrom(r.Context()))
	var partial *domain.PartialMergeFailure
	if err != nil && !errors.As(err, &partial) {
		h.respondEngineError(w, r, "Failed to reconcile cart", err)
		return
	}

	view := loginView{Cart: newCartView(eng), Merged: result.Merged, Cleared: result.Cleared}
	for _, f := range result.Failed {
		view.Failed = append(view.Failed, mergeFailureView{
			ProductID: f.Item.ProductID,
			Color:     f.Item.Variant.Color,
			Storage:   f.Item.Variant.Storage,
			Quantity:  f.Item.Quantity,
			Error:     f.Err.Error(),
		})
	}

	if partial != nil {
		logger.Warn(r.Context()).Err(err).Msg("Cart reconciled with failures")
		respondJSON(w, http.StatusMultiStatus, Response{Success: false, Message: "Some items could not be merged", Data: view, Error: err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, Response{Success: true, Message: "Cart reconciled", Data: view})
}

// requestOwner picks the owner used when a session is first seen
func (h *CartHandler) requestOwner(r *http.Request) domain.Ownership {
	if userID := userIDFrom(r.Context()); userID != "" {
		return domain.User(userID)
	}
	return domain.Guest()
}

func (h *CartHandler) engine(w http.ResponseWriter, r *http.Request, owner domain.Ownership) (*engine.Engine, bool) {
	eng, err := h.sessions.Get(r.Context(), sessionIDFrom(r.Context()), owner)
	if err != nil {
		h.respondEngineError(w, r, "Failed to open cart session", err)
		return nil, false
	}

	// a user cart is only served to its owner
	current := eng.Owner()
	if current.IsGuest() {
		return eng, true
	}
	switch userIDFrom(r.Context()) {
	case current.UserID:
		return eng, true
	case "":
		logger.Warn(r.Context()).Str("session_id", eng.SessionID()).Msg("Unauthenticated access to user cart")
		respondError(w, http.StatusUnauthorized, "Authorization required for this cart")
	default:
		logger.Warn(r.Context()).
			Str("session_id", eng.SessionID()).
			Str("user_id", userIDFrom(r.Context())).
			Msg("Access to another user's cart")
		respondError(w, http.StatusForbidden, "Cart belongs to another user")
	}
	return nil, false
}

func (h *CartHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func (h *CartHandler) respondEngineError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status := statusOf(err)
	event := logger.Warn(r.Context())
	if status >= 500 {
		event = logger.Error(r.Context())
	}
	event.Err(err).Str("session_id", sessionIDFrom(r.Context())).Int("status", status).Msg(msg)

	resp := Response{Success: false, Error: err.Error()}
	if remote, ok := domain.AsRemote(err); ok {
		resp.Data = map[string]interface{}{"remoteStatus": remote.Status, "op": remote.Op}
	}
	respondJSON(w, status, resp)
}

func statusOf(err error) int {
	if _, ok := domain.AsRemote(err); ok {
		return http.StatusBadGateway
	}
	switch {
	case domain.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrItemNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyAuthenticated), errors.Is(err, domain.ErrOwnershipTransition):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func resolveKey(eng *engine.Engine, remoteID, productID string, variant domain.Variant) (domain.Key, bool) {
	if remoteID != "" {
		return domain.RemoteKey(remoteID), true
	}
	return eng.Lookup(productID, variant)
}

func newCartView(eng *engine.Engine) cartView {
	cart := eng.Cart()
	view := cartView{
		SessionID:       eng.SessionID(),
		Mode:            cart.Owner.Mode(),
		UserID:          cart.Owner.UserID,
		Items:           make([]itemView, 0, len(cart.Items)),
		Subtotal:        cart.Totals.Subtotal,
		ShippingFee:     cart.Totals.ShippingFee,
		GrandTotal:      cart.Totals.GrandTotal,
		ShippingPending: cart.Totals.ShippingPending,
		Version:         cart.Totals.Version,
	}
	for _, it := range cart.Items {
		view.Items = append(view.Items, itemView{
			RemoteID:  it.RemoteID,
			ProductID: it.ProductID,
			Color:     it.Variant.Color,
			Storage:   it.Variant.Storage,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
			LineTotal: it.LineTotal(),
			Image:     it.Image,
		})
	}
	return view
}
