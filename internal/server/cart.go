package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

type addCartItemRequest struct {
	VariantID string `json:"variant_id"`
	Quantity  int    `json:"quantity"`
	Currency  string `json:"currency"`
}

type updateCartItemRequest struct {
	Quantity int `json:"quantity"`
}

type mergeCartRequest struct {
	AnonymousID string `json:"anonymous_id"`
}

func (s *Server) GetCart(c *gin.Context) {
	owner, ok := ownerFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	view, err := s.carts.Get(c.Request.Context(), owner)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": view})
}

func (s *Server) AddCartItem(c *gin.Context) {
	owner, ok := ownerFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req addCartItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	variantID, err := parseSnowflakeID(req.VariantID)
	if err != nil {
		AbortWithError(c, newValidationError("variant_id", "invalid_variant_id", "variant_id is invalid"))
		return
	}

	view, err := s.carts.AddItem(c.Request.Context(), owner, req.Currency, variantID, req.Quantity)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": view})
}

func (s *Server) UpdateCartItem(c *gin.Context) {
	owner, ok := ownerFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	variantID, err := parseSnowflakeID(c.Param("variant_id"))
	if err != nil {
		AbortWithError(c, newValidationError("variant_id", "invalid_variant_id", "variant_id is invalid"))
		return
	}
	var req updateCartItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	view, err := s.carts.UpdateItemQuantity(c.Request.Context(), owner, variantID, req.Quantity)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": view})
}

func (s *Server) RemoveCartItem(c *gin.Context) {
	owner, ok := ownerFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	variantID, err := parseSnowflakeID(c.Param("variant_id"))
	if err != nil {
		AbortWithError(c, newValidationError("variant_id", "invalid_variant_id", "variant_id is invalid"))
		return
	}

	view, err := s.carts.RemoveItem(c.Request.Context(), owner, variantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": view})
}

// MergeCart folds the guest cart into the signed-in user's cart. The guest id
// comes from the body or, failing that, the anonymous id header.
func (s *Server) MergeCart(c *gin.Context) {
	owner, ok := ownerFromContext(c)
	if !ok || owner.UserID == "" {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req mergeCartRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}
	anonymousID := strings.TrimSpace(req.AnonymousID)
	if anonymousID == "" {
		anonymousID = strings.TrimSpace(c.GetHeader(HeaderAnonymousID))
	}
	if anonymousID == "" {
		AbortWithError(c, newValidationError("anonymous_id", "required", "anonymous_id is required"))
		return
	}

	view, err := s.carts.Merge(c.Request.Context(), anonymousID, owner.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": view})
}

func (s *Server) ValidateCart(c *gin.Context) {
	owner, ok := ownerFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	validation, err := s.carts.Validate(c.Request.Context(), owner)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": validation})
}
