package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/erash/internal/wipe"
	"go.uber.org/zap"
)

// WipeHandler handles device listing and the wipe operation lifecycle.
type WipeHandler struct {
	orch   *wipe.Orchestrator
	logger *zap.Logger
}

// NewWipeHandler creates a new WipeHandler.
func NewWipeHandler(orch *wipe.Orchestrator, logger *zap.Logger) *WipeHandler {
	return &WipeHandler{orch: orch, logger: logger}
}

// Register mounts the device and wipe routes on the given router group.
func (h *WipeHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/devices", h.ListDevices)

	w := rg.Group("/wipe")
	{
		w.GET("", h.ListOperations)
		w.POST("/start", h.Start)
		w.GET("/status/:id", h.Status)
		w.GET("/logs/:id", h.Logs)
		w.POST("/cancel/:id", h.Cancel)
	}
}

// ListDevices handles GET /devices.
// Optional query params: type (HDD, SSD, USB, Virtual; case-insensitive) and
// partitions=false to omit partition details.
func (h *WipeHandler) ListDevices(c *gin.Context) {
	all, err := h.orch.Inventory().List(c.Request.Context())
	if err != nil {
		h.logger.Error("list devices", zap.Error(err))
		fail(c, http.StatusInternalServerError, "failed to enumerate devices")
		return
	}

	kind := c.Query("type")
	withParts := !strings.EqualFold(c.DefaultQuery("partitions", "true"), "false")

	devices := make([]wipe.Device, 0, len(all))
	total := 0
	for _, d := range all {
		if kind != "" && !strings.EqualFold(d.Type, kind) {
			continue
		}
		total += len(d.Partitions)
		if !withParts {
			d.Partitions = nil
		}
		devices = append(devices, d)
	}
	c.JSON(http.StatusOK, gin.H{
		"success":          true,
		"devices":          devices,
		"count":            len(devices),
		"total_partitions": total,
	})
}

type startRequest struct {
	DevicePath string `json:"device_path" binding:"required"`
	Method     string `json:"method" binding:"required"`
	Mode       string `json:"mode"`
	Verify     bool   `json:"verify"`
	Confirm    bool   `json:"confirm"`
}

// Start handles POST /wipe/start.
// A real-mode request must carry confirm=true.
func (h *WipeHandler) Start(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	mode, err := wipe.ParseMode(req.Mode)
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if mode == wipe.ModeReal && !req.Confirm {
		fail(c, http.StatusBadRequest, "real mode permanently destroys data; resend with confirm=true")
		return
	}

	id, err := h.orch.Start(c.Request.Context(), wipe.StartRequest{
		Target: req.DevicePath,
		Method: req.Method,
		Mode:   string(mode),
		Verify: req.Verify,
	})
	if err != nil {
		failErr(c, h.logger, err, "failed to start wipe")
		return
	}

	if mode == wipe.ModeReal {
		h.logger.Warn("real wipe started",
			zap.String("wipe_id", id),
			zap.String("device", req.DevicePath),
			zap.String("client_ip", c.ClientIP()),
		)
	}

	snap, err := h.orch.Status(id)
	if err != nil {
		failErr(c, h.logger, err, "failed to read wipe status")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true, "wipe_id": id, "status": snap.Status})
}

// Status handles GET /wipe/status/:id.
func (h *WipeHandler) Status(c *gin.Context) {
	snap, err := h.orch.Status(c.Param("id"))
	if err != nil {
		failErr(c, h.logger, err, "failed to read wipe status")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "status": snap})
}

// Logs handles GET /wipe/logs/:id?since=N.
func (h *WipeHandler) Logs(c *gin.Context) {
	since := 0
	if s := c.Query("since"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			fail(c, http.StatusBadRequest, "since must be a non-negative integer")
			return
		}
		since = n
	}

	page, err := h.orch.LogsSince(c.Param("id"), since)
	if err != nil {
		failErr(c, h.logger, err, "failed to read wipe logs")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"logs":        page.Entries,
		"progress":    page.Progress,
		"status":      page.Status,
		"total_count": page.TotalCount,
		"next_index":  page.NextIndex,
		"first_index": page.FirstIndex,
		"truncated":   page.Truncated,
	})
}

// Cancel handles POST /wipe/cancel/:id.
func (h *WipeHandler) Cancel(c *gin.Context) {
	id := c.Param("id")
	if err := h.orch.Cancel(id); err != nil {
		failErr(c, h.logger, err, "failed to cancel wipe")
		return
	}
	snap, err := h.orch.Status(id)
	if err != nil {
		failErr(c, h.logger, err, "failed to read wipe status")
		return
	}
	h.logger.Info("wipe cancelled", zap.String("wipe_id", id), zap.String("client_ip", c.ClientIP()))
	c.JSON(http.StatusOK, gin.H{"success": true, "status": snap.Status})
}

// ListOperations handles GET /wipe.
func (h *WipeHandler) ListOperations(c *gin.Context) {
	ops := h.orch.List()
	c.JSON(http.StatusOK, gin.H{"success": true, "operations": ops, "count": len(ops)})
}
