// Package apierr renders errors as the JSON error envelope
// {"error": <code>, "message": <text>}.
package apierr

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dog-best/meta-sub000/internal/domain"
	"github.com/dog-best/meta-sub000/internal/logging"
)

// Write maps err onto its status code and envelope. Unclassified errors
// are logged and reported as a generic internal error so driver details
// never reach the client.
func Write(c *gin.Context, err error) {
	de := domain.AsError(err)
	if de.Kind == domain.KindInternal {
		logging.L(c.Request.Context()).Error("request failed",
			"path", c.FullPath(),
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   de.Code,
			"message": "Internal error",
		})
		return
	}
	c.JSON(de.Kind.HTTPStatus(), gin.H{
		"error":   de.Code,
		"message": de.Message,
	})
}

// InvalidRequest writes the 400 response used for unparseable bodies.
func InvalidRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   domain.ErrInvalidInput.Code,
		"message": message,
	})
}
