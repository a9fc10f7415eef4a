package errors

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Unavailable sends a 503 Service Unavailable response.
// Used by the health endpoint when the database is unreachable.
func Unavailable(c *gin.Context, message string, details map[string]interface{}) {
	c.JSON(http.StatusServiceUnavailable, NewAPIError(message, details))
}
