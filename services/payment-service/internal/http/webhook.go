package httpx

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/you/eventhub-ticketing/services/payment-service/internal/processor"
	"github.com/you/eventhub-ticketing/services/payment-service/internal/service"
)

const maxWebhookBody = 64 << 10

// POST /webhooks/:provider
//
// The provider payload is only a hint. The processor adapter authenticates it
// and the service re-reads the intent before touching any record. A non-2xx
// answer makes the provider retry later.
func (h *PaymentHandler) Webhook(c *gin.Context) {
	if c.Param("provider") != h.svc.ProcessorName() {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
		return
	}
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad request"})
		return
	}
	if err := h.svc.HandleWebhook(c.Request.Context(), payload, c.Request.Header); err != nil {
		var (
			pe *processor.Error
			ie *service.IncompleteRecordError
		)
		if errors.As(err, &pe) && (pe.HTTPStatus == http.StatusBadRequest || pe.HTTPStatus == http.StatusUnauthorized) {
			c.JSON(pe.HTTPStatus, gin.H{"error": pe.Message})
			return
		}
		// a redelivery cannot fix the record, so the provider gets a 2xx
		if errors.As(err, &ie) {
			h.log.Error("webhook for incomplete payment record",
				zap.String("transaction_id", ie.TransactionID), zap.String("missing", ie.Missing))
			c.JSON(http.StatusOK, gin.H{"ignored": true, "message": ie.Error()})
			return
		}
		h.log.Warn("webhook reconciliation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation failed"})
		return
	}
	c.Status(http.StatusOK)
}
