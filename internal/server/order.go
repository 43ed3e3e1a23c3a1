package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	orderdomain "github.com/smallbiznis/orderflow/internal/order/domain"
)

type orderReasonRequest struct {
	Reason string `json:"reason"`
}

type updateOrderStatusRequest struct {
	Status  string `json:"status"`
	Comment string `json:"comment"`
}

func (s *Server) GetOrder(c *gin.Context) {
	owner, ok := ownerFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	orderID, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrNotFound)
		return
	}

	order, err := s.orders.GetForOwner(c.Request.Context(), orderID, owner)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": order})
}

func (s *Server) CancelOrder(c *gin.Context) {
	owner, ok := ownerFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	orderID, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrNotFound)
		return
	}
	reason, ok := bindReason(c)
	if !ok {
		return
	}

	order, err := s.orders.Cancel(c.Request.Context(), orderID, owner, reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": order})
}

func (s *Server) RequestOrderRefund(c *gin.Context) {
	owner, ok := ownerFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	orderID, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrNotFound)
		return
	}
	reason, ok := bindReason(c)
	if !ok {
		return
	}

	order, err := s.orders.RequestRefund(c.Request.Context(), orderID, owner, reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": order})
}

func (s *Server) ListOrders(c *gin.Context) {
	req := orderdomain.ListRequest{
		UserID: strings.TrimSpace(c.Query("user_id")),
	}
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		status, ok := orderdomain.ParseStatus(strings.ToUpper(raw))
		if !ok {
			AbortWithError(c, newValidationError("status", "invalid_status", "status is invalid"))
			return
		}
		req.Status = status
	}
	limit, err := parseOptionalInt(c.Query("limit"))
	if err != nil {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "limit is invalid"))
		return
	}
	if limit != nil {
		req.Limit = *limit
	}
	offset, err := parseOptionalInt(c.Query("offset"))
	if err != nil {
		AbortWithError(c, newValidationError("offset", "invalid_offset", "offset is invalid"))
		return
	}
	if offset != nil {
		req.Offset = *offset
	}

	orders, err := s.orders.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": orders})
}

func (s *Server) AdminGetOrder(c *gin.Context) {
	orderID, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrNotFound)
		return
	}

	order, err := s.orders.Get(c.Request.Context(), orderID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": order})
}

func (s *Server) UpdateOrderStatus(c *gin.Context) {
	orderID, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrNotFound)
		return
	}
	var req updateOrderStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	status, ok := orderdomain.ParseStatus(strings.ToUpper(strings.TrimSpace(req.Status)))
	if !ok {
		AbortWithError(c, newValidationError("status", "invalid_status", "status is invalid"))
		return
	}

	order, err := s.orders.Transition(c.Request.Context(), orderdomain.TransitionRequest{
		OrderID: orderID,
		To:      status,
		Comment: strings.TrimSpace(req.Comment),
		Actor:   adminActor(c),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": order})
}

func bindReason(c *gin.Context) (string, bool) {
	var req orderReasonRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return "", false
		}
	}
	return strings.TrimSpace(req.Reason), true
}
