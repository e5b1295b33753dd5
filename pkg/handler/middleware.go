package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/esshgate/esshgate/pkg/models"
	"github.com/esshgate/esshgate/pkg/protocol"
	"github.com/esshgate/esshgate/pkg/token"
	"github.com/esshgate/esshgate/pkg/utils"
)

const principalKey = "principalID"

// RequireAuth validates the bearer token and stores the principal ID on the
// context. Remote logout is reported with its own code so clients can show
// the right message instead of a generic session-expired one.
func RequireAuth(tokens *token.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		bearer := utils.BearerToken(c.Request)
		if bearer == "" {
			bearer = c.Query("token")
		}
		principalID, err := tokens.Verify(bearer)
		if err != nil {
			code := protocol.ErrTokenInvalid
			if token.IsRemoteLogout(err) {
				code = protocol.ErrTokenRemoteLogout
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, models.Response{
				Success: false,
				Message: code,
			})
			return
		}
		c.Set(principalKey, principalID)
		c.Set("bearer", bearer)
		c.Next()
	}
}

func principalID(c *gin.Context) string {
	return c.GetString(principalKey)
}
