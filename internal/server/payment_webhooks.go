package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

const maxWebhookBody = 1 << 20 // 1 MiB

// HandlePaymentWebhook accepts provider deliveries. Duplicates acknowledge
// with 200 so providers stop redelivering.
func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	provider := c.Param("provider")
	c.Set("webhook_provider", provider)

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.paymentSvc.HandleWebhook(c.Request.Context(), provider, payload, c.Request.Header)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"outcome":    string(result.Outcome),
		"event_type": result.EventType,
		"reference":  result.Reference,
	})
}
