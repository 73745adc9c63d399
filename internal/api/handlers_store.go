package api

import (
	"errors"
	"net/http"

	"github.com/leogray15-maker/arcane-archives/internal/auth"
	"github.com/leogray15-maker/arcane-archives/internal/cache"
	"github.com/leogray15-maker/arcane-archives/internal/database"
	"github.com/leogray15-maker/arcane-archives/internal/store"

	"github.com/gin-gonic/gin"
)

// handleGetProducts returns the active catalog. Public, served from cache
// when Redis is up.
func (s *Server) handleGetProducts(c *gin.Context) {
	ctx := c.Request.Context()

	if s.cache != nil {
		var cached []*database.Product
		if err := s.cache.GetJSON(ctx, cache.ProductListKey(), &cached); err == nil {
			successResponse(c, cached)
			return
		}
	}

	products, err := s.storeSvc.Products(ctx)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load products")
		return
	}

	if s.cache != nil {
		_ = s.cache.SetJSON(ctx, cache.ProductListKey(), products, cache.DefaultCatalogTTL)
	}

	successResponse(c, products)
}

type checkoutRequest struct {
	Items           []store.CartItem `json:"items" binding:"required"`
	ShippingAddress string           `json:"shipping_address"`
}

// handleBalancePurchase pays for a cart from the caller's affiliate balance
func (s *Server) handleBalancePurchase(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}

	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "INVALID_REQUEST", "items are required")
		return
	}

	ctx := c.Request.Context()

	order, err := s.storeSvc.PurchaseWithBalance(ctx, userID, req.Items, req.ShippingAddress)
	switch {
	case errors.Is(err, store.ErrEmptyCart):
		errorResponse(c, http.StatusBadRequest, "EMPTY_CART", "cart is empty")
		return
	case errors.Is(err, store.ErrUnknownProduct):
		errorResponse(c, http.StatusBadRequest, "UNKNOWN_PRODUCT", "cart references an unknown or inactive product")
		return
	case errors.Is(err, database.ErrInsufficientBalance):
		errorResponse(c, http.StatusConflict, "INSUFFICIENT_BALANCE", "available balance is too low")
		return
	case err != nil:
		errorResponse(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to place order")
		return
	}

	s.invalidateSummary(c, userID)
	s.eventBus.PublishOrderPlaced(order.ID, userID, string(database.PaymentBalance), order.Total)

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"data":    order,
	})
}

// handleCardCheckout creates a Stripe payment checkout for a cart
func (s *Server) handleCardCheckout(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}

	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "INVALID_REQUEST", "items are required")
		return
	}

	ctx := c.Request.Context()

	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil || user == nil {
		errorResponse(c, http.StatusNotFound, "NOT_FOUND", "user not found")
		return
	}

	successURL, cancelURL := s.checkoutReturnURLs(c, "/store")

	checkoutURL, err := s.storeSvc.CreateCardCheckout(ctx, user, req.Items, successURL, cancelURL)
	switch {
	case errors.Is(err, store.ErrCheckoutUnavailable):
		errorResponse(c, http.StatusServiceUnavailable, "CHECKOUT_UNAVAILABLE", "card checkout is not configured")
		return
	case errors.Is(err, store.ErrEmptyCart):
		errorResponse(c, http.StatusBadRequest, "EMPTY_CART", "cart is empty")
		return
	case errors.Is(err, store.ErrUnknownProduct):
		errorResponse(c, http.StatusBadRequest, "UNKNOWN_PRODUCT", "cart references an unknown or inactive product")
		return
	case err != nil:
		errorResponse(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to create checkout session")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"checkout_url": checkoutURL,
	})
}

// handleGetOrders returns the caller's orders, newest first
func (s *Server) handleGetOrders(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}

	limit := parseLimit(c, 50)

	orders, err := s.storeSvc.Orders(c.Request.Context(), userID, limit)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load orders")
		return
	}

	successResponse(c, orders)
}

// handleGetOrder returns one order. Non-admins only see their own.
func (s *Server) handleGetOrder(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}

	order, err := s.storeSvc.Order(c.Request.Context(), c.Param("id"))
	if errors.Is(err, database.ErrNotFound) || (err == nil && (order == nil || (order.UserID != userID && !auth.IsAdmin(c)))) {
		errorResponse(c, http.StatusNotFound, "NOT_FOUND", "order not found")
		return
	}
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load order")
		return
	}

	successResponse(c, order)
}

// handleAdminUpsertProduct creates or updates a catalog entry
func (s *Server) handleAdminUpsertProduct(c *gin.Context) {
	var req struct {
		ID     string `json:"id" binding:"required"`
		Name   string `json:"name" binding:"required"`
		Price  int64  `json:"price" binding:"required"`
		Active *bool  `json:"active"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "INVALID_REQUEST", "id, name and price are required")
		return
	}
	if req.Price < 0 {
		errorResponse(c, http.StatusBadRequest, "INVALID_PRICE", "price must not be negative")
		return
	}

	product := &database.Product{
		ID:     req.ID,
		Name:   req.Name,
		Price:  req.Price,
		Active: true,
	}
	if req.Active != nil {
		product.Active = *req.Active
	}

	ctx := c.Request.Context()
	if err := s.repo.UpsertProduct(ctx, product); err != nil {
		errorResponse(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to save product")
		return
	}

	if s.cache != nil {
		_ = s.cache.Delete(ctx, cache.ProductListKey())
		_ = s.cache.Delete(ctx, cache.ProductKey(product.ID))
	}

	successResponse(c, product)
}

// handleAdminUpdateOrderStatus moves an order through fulfilment
func (s *Server) handleAdminUpdateOrderStatus(c *gin.Context) {
	var req struct {
		Status string `json:"status" binding:"required,oneof=fulfilled refunded"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "INVALID_REQUEST", "status must be fulfilled or refunded")
		return
	}

	orderID := c.Param("id")
	err := s.repo.UpdateOrderStatus(c.Request.Context(), orderID, database.OrderStatus(req.Status))
	switch {
	case errors.Is(err, database.ErrNotFound):
		errorResponse(c, http.StatusNotFound, "NOT_FOUND", "order not found")
		return
	case err != nil:
		errorResponse(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to update order")
		return
	}

	successResponse(c, gin.H{"id": orderID, "status": req.Status})
}

// checkoutReturnURLs builds the success and cancel URLs from the request
// origin, falling back to the configured defaults.
func (s *Server) checkoutReturnURLs(c *gin.Context, path string) (string, string) {
	base := c.Request.Header.Get("Origin")
	if base == "" {
		base = "http://localhost:5173"
	}
	return base + path + "?success=true", base + path + "?canceled=true"
}
