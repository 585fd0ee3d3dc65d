package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/charlesng35/spoilr/internal/services"
	"github.com/charlesng35/spoilr/pkg/errors"
	"github.com/charlesng35/spoilr/pkg/logger"
	"github.com/charlesng35/spoilr/pkg/response"
)

// ExportHandler streams CSV reports.
type ExportHandler struct {
	exports *services.ExportService
}

func NewExportHandler(exports *services.ExportService) *ExportHandler {
	return &ExportHandler{exports: exports}
}

// GET /spoilr/export/:kind
func (h *ExportHandler) Export(c *gin.Context) {
	kind := strings.TrimSuffix(c.Param("kind"), ".csv")
	if !h.exports.Supported(kind) {
		response.Error(c, errors.ErrNotFound)
		return
	}

	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.csv"`, kind))
	c.Status(http.StatusOK)
	if err := h.exports.Write(requestContext(c), kind, c.Writer); err != nil {
		// Headers are already out; the truncated file is the only signal.
		logger.WithModule("export").Warn("csv export failed", zap.String("kind", kind), zap.Error(err))
		_ = c.Error(err)
	}
}
