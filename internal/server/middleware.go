package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"
	cartdomain "github.com/smallbiznis/orderflow/internal/cart/domain"
	obscontext "github.com/smallbiznis/orderflow/internal/observability/context"
)

const (
	HeaderUserID      = "X-User-Id"
	HeaderAnonymousID = "X-Anonymous-Id"
	HeaderActorRole   = "X-Actor-Role"

	contextOwnerKey = "cart_owner"
)

// OwnerIdentity resolves the shopper from the upstream identity headers. A
// guest without an id is issued one in the response.
func (s *Server) OwnerIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner := cartdomain.Owner{
			UserID:      c.GetHeader(HeaderUserID),
			AnonymousID: c.GetHeader(HeaderAnonymousID),
		}.Normalize()

		// a signed-in user wins over a lingering guest id
		if owner.UserID != "" {
			owner.AnonymousID = ""
		}
		if owner.UserID == "" && owner.AnonymousID == "" {
			owner.AnonymousID = ulid.Make().String()
			c.Header(HeaderAnonymousID, owner.AnonymousID)
		}

		actorType := "guest"
		if owner.UserID != "" {
			actorType = "user"
		}
		ctx := obscontext.WithActor(c.Request.Context(), actorType, owner.Key())
		c.Request = c.Request.WithContext(ctx)

		c.Set(contextOwnerKey, owner)
		c.Next()
	}
}

func ownerFromContext(c *gin.Context) (cartdomain.Owner, bool) {
	value, ok := c.Get(contextOwnerKey)
	if !ok {
		return cartdomain.Owner{}, false
	}
	owner, ok := value.(cartdomain.Owner)
	return owner, ok
}

func actorRole(c *gin.Context) string {
	return strings.ToLower(strings.TrimSpace(c.GetHeader(HeaderActorRole)))
}
