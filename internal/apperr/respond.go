package apperr

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/harvestmart/internal/logging"
)

// Respond writes err as {"error": code, "message": msg} with the status
// HTTPStatus picks. Unclassified errors are logged and hidden behind a
// generic message.
func Respond(c *gin.Context, err error) {
	status := HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("request failed",
			"path", c.FullPath(), "kind", KindOf(err), "error", err)
	}
	c.JSON(status, gin.H{
		"error":   CodeOf(err),
		"message": MessageOf(err),
	})
}

// BadRequest responds 400 for a body or query that failed to bind.
func BadRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": msg,
	})
}
