package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sheaf-ai/sheaf/server/internal/auth"
	appctx "github.com/sheaf-ai/sheaf/server/internal/context"
	"github.com/sheaf-ai/sheaf/server/internal/credit"
)

// DeviceIDHeader carries the anonymous device identifier for guest requests.
const DeviceIDHeader = "X-Device-ID"

// Identity returns a Gin middleware that resolves the request to a credit
// owner. Requests carrying a valid API key resolve to the user's owner ID.
// Anonymous requests must carry a device identifier header and resolve to
// a guest owner keyed by that device.
//
// Rejects requests that present neither credential, and requests whose API
// key belongs to a non-active user.
func Identity(userSvc auth.UserService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if raw := extractBearerToken(c); raw != "" {
			user, err := userSvc.GetByAPIKey(c.Request.Context(), raw)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "invalid api key",
				})
				return
			}
			if user.Status != "active" {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error": "account is " + user.Status,
				})
				return
			}
			appctx.SetUser(c, user)
			appctx.SetOwnerID(c, credit.UserOwnerID(user.ID))
			if deviceID := c.GetHeader(DeviceIDHeader); deviceID != "" {
				appctx.SetDeviceID(c, deviceID)
			}
			c.Next()
			return
		}

		deviceID := c.GetHeader(DeviceIDHeader)
		if deviceID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication required: provide an API key or a " + DeviceIDHeader + " header",
			})
			return
		}

		appctx.SetDeviceID(c, deviceID)
		appctx.SetOwnerID(c, credit.OwnerID(deviceID, ""))
		c.Next()
	}
}
