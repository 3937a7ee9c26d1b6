package context

import (
	"github.com/gin-gonic/gin"

	"github.com/sheaf-ai/sheaf/server/internal/auth"
)

const (
	userKey    = "sheaf.user"
	ownerKey   = "sheaf.owner_id"
	deviceKey  = "sheaf.device_id"
	traceIDKey = "sheaf.trace_id"
)

// SetUser stores the authenticated user on the request context.
func SetUser(c *gin.Context, u *auth.User) {
	c.Set(userKey, u)
}

// GetUser returns the authenticated user, or nil for guest requests.
func GetUser(c *gin.Context) *auth.User {
	v, ok := c.Get(userKey)
	if !ok {
		return nil
	}
	u, _ := v.(*auth.User)
	return u
}

// MustGetUser returns the authenticated user and panics if the request
// was not authenticated. Only call behind auth middleware.
func MustGetUser(c *gin.Context) *auth.User {
	u := GetUser(c)
	if u == nil {
		panic("context: no authenticated user on request")
	}
	return u
}

// SetOwnerID stores the resolved credit owner for the request.
func SetOwnerID(c *gin.Context, ownerID string) {
	c.Set(ownerKey, ownerID)
}

// GetOwnerID returns the credit owner resolved by the identity middleware.
func GetOwnerID(c *gin.Context) string {
	return c.GetString(ownerKey)
}

// SetDeviceID stores the caller's device identifier, if one was supplied.
func SetDeviceID(c *gin.Context, deviceID string) {
	c.Set(deviceKey, deviceID)
}

// GetDeviceID returns the caller's device identifier, or "".
func GetDeviceID(c *gin.Context) string {
	return c.GetString(deviceKey)
}

// SetTraceID stores the request trace identifier.
func SetTraceID(c *gin.Context, traceID string) {
	c.Set(traceIDKey, traceID)
}

// GetTraceID returns the request trace identifier, or "".
func GetTraceID(c *gin.Context) string {
	return c.GetString(traceIDKey)
}
