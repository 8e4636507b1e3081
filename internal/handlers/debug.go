package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"dm-service/internal/models"
	"dm-service/internal/telemetry"
)

var debugAuditTexts = map[string]string{
	"edited":  "message edited",
	"deleted": "message deleted",
}

// RegisterDebugRoutes wires debug-only endpoints. POST /debug/audit/:kind emits the audit
// record of a message edit or delete for a synthetic message, to check the audit pipeline.
func RegisterDebugRoutes(router gin.IRouter, emitter *telemetry.AuditEmitter, enabled bool) {
	if !enabled {
		return
	}

	router.POST("/debug/audit/:kind", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		text, ok := debugAuditTexts[c.Param("kind")]
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "kind must be edited or deleted"})
			return
		}
		payload := messageAudit(text+" (debug)", models.Message{ID: uuid.New(), ConversationID: uuid.New()})
		emitter.Emit(c.Request.Context(), requestIDFromContext(c), userIDFromContext(c), payload)
		c.JSON(http.StatusOK, payload)
	})
}
