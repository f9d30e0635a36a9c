// Package httperr maps the engine's error taxonomy onto HTTP responses
// so every handler speaks the same envelope.
package httperr

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gavelworks/gavel/internal/fault"
)

// Respond writes the JSON error envelope for err. Sentinels listed in
// notFound map to 404; fault kinds map to their statuses; anything
// else is a 500.
func Respond(c *gin.Context, err error, notFound ...error) {
	for _, nf := range notFound {
		if errors.Is(err, nf) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": err.Error(),
			})
			return
		}
	}

	kind := fault.KindOf(err)
	status := http.StatusInternalServerError
	code := "internal_error"

	switch kind {
	case fault.KindValidation:
		status = http.StatusBadRequest
		code = kind.String()
	case fault.KindStateConflict:
		status = http.StatusConflict
		code = kind.String()
	case fault.KindLedgerUnconfirmed:
		// The caller's money has not landed yet; retry after finality.
		status = http.StatusPaymentRequired
		code = kind.String()
	case fault.KindReconciliation, fault.KindInvariant:
		status = http.StatusInternalServerError
		code = kind.String()
	}

	c.JSON(status, gin.H{
		"error":   code,
		"message": message(err),
	})
}

// message prefers the fault message over the full op chain.
func message(err error) string {
	var fe *fault.Error
	if errors.As(err, &fe) && fe.Msg != "" {
		return fe.Msg
	}
	return err.Error()
}

// Forbidden writes a 403 envelope.
func Forbidden(c *gin.Context, msg string) {
	c.JSON(http.StatusForbidden, gin.H{
		"error":   "forbidden",
		"message": msg,
	})
}
