package http

import (
	"github.com/gin-gonic/gin"

	peac "github.com/peacprotocol/peac-x402-receipts-demo"
)

// writeError renders {error, message} plus any detail fields. Causes are never rendered.
func writeError(c *gin.Context, err *peac.CheckoutError) {
	body := gin.H{"error": err.Code, "message": err.Message}
	for k, v := range err.Details {
		if k == "error" || k == "message" {
			continue
		}
		body[k] = v
	}
	if err.Kind == peac.KindPaymentInvalid || err.Kind == peac.KindPaymentRequired {
		c.Header("Cache-Control", "no-store")
	}
	c.JSON(err.Status(), body)
}
