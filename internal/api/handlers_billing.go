package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/leogray15-maker/arcane-archives/internal/billing"
	"github.com/leogray15-maker/arcane-archives/internal/logging"

	"github.com/gin-gonic/gin"
)

// handleCreateSubscriptionCheckout creates a Stripe checkout session for the
// platform subscription
func (s *Server) handleCreateSubscriptionCheckout(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()

	if !s.billing.IsConfigured() || s.priceID == "" {
		errorResponse(c, http.StatusServiceUnavailable, "BILLING_UNAVAILABLE", "billing is not configured")
		return
	}

	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil || user == nil {
		errorResponse(c, http.StatusNotFound, "NOT_FOUND", "user not found")
		return
	}

	// An already-active subscription means there is nothing to buy
	if user.StripeSubscriptionID != "" {
		sub, err := s.billing.GetSubscription(ctx, user.StripeSubscriptionID)
		if err == nil && (sub.Status == "active" || sub.Status == "trialing") {
			errorResponse(c, http.StatusConflict, "ALREADY_SUBSCRIBED", "subscription is already active")
			return
		}
	}

	// Create the Stripe customer up front so every checkout for this user
	// lands on the same customer record
	customerID := user.StripeCustomerID
	if customerID == "" {
		customer, err := s.billing.CreateCustomer(ctx, user.Email, user.Name)
		if err != nil {
			errorResponse(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to create billing account")
			return
		}
		customerID = customer.ID
		if err := s.repo.UpdateUserStripeCustomer(ctx, user.ID, customerID); err != nil {
			s.logger.Warn("Failed to persist Stripe customer id", "user_id", user.ID, "error", err)
		}
	}

	successURL, cancelURL := s.checkoutReturnURLs(c, "/billing")

	checkoutURL, err := s.billing.CreateSubscriptionCheckout(ctx, s.priceID, billing.CheckoutParams{
		CustomerID:        customerID,
		ClientReferenceID: user.ID,
		SuccessURL:        successURL,
		CancelURL:         cancelURL,
	})
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to create checkout session")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"checkout_url": checkoutURL,
	})
}

// handleCreateCustomerPortal creates a Stripe customer portal session
func (s *Server) handleCreateCustomerPortal(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()

	if !s.billing.IsConfigured() {
		errorResponse(c, http.StatusServiceUnavailable, "BILLING_UNAVAILABLE", "billing is not configured")
		return
	}

	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil || user == nil {
		errorResponse(c, http.StatusNotFound, "NOT_FOUND", "user not found")
		return
	}

	if user.StripeCustomerID == "" {
		errorResponse(c, http.StatusBadRequest, "NO_BILLING_ACCOUNT", "no billing account found")
		return
	}

	// A stored customer id can go stale if the customer was deleted in the
	// Stripe dashboard
	if _, err := s.billing.GetCustomer(ctx, user.StripeCustomerID); err != nil {
		errorResponse(c, http.StatusBadRequest, "NO_BILLING_ACCOUNT", "billing account no longer exists")
		return
	}

	returnURL := c.Request.Header.Get("Origin")
	if returnURL == "" {
		returnURL = "http://localhost:5173"
	}
	returnURL += "/billing"

	portalURL, err := s.billing.CreatePortalSession(ctx, user.StripeCustomerID, returnURL)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to create portal session")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"portal_url": portalURL,
	})
}

// handleStripeWebhook handles Stripe webhook events. A bad signature is the
// sender's fault and gets a 400; anything else is transient, so a 502 makes
// Stripe redeliver.
func (s *Server) handleStripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "INVALID_REQUEST", "failed to read request body")
		return
	}

	signature := c.GetHeader("Stripe-Signature")
	if signature == "" {
		errorResponse(c, http.StatusBadRequest, "MISSING_SIGNATURE", "missing Stripe signature")
		return
	}

	ctx := c.Request.Context()

	if err := s.reconciler.HandleWebhook(ctx, payload, signature); err != nil {
		if errors.Is(err, billing.ErrInvalidSignature) {
			errorResponse(c, http.StatusBadRequest, "INVALID_SIGNATURE", "webhook signature verification failed")
			return
		}
		logging.FromContext(ctx).Error("Webhook processing failed", "error", err)
		s.eventBus.PublishError("billing-webhook", "webhook processing failed", err)
		errorResponse(c, http.StatusBadGateway, "WEBHOOK_FAILED", "webhook processing failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"received": true,
	})
}
