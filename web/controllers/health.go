package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Health reports database and broker reachability plus host load.
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	info := gin.H{"status": "ok", "database": "ok"}
	code := http.StatusOK
	if err := h.engine.Ping(ctx); err != nil {
		info["status"], info["database"] = "degraded", err.Error()
		code = http.StatusServiceUnavailable
	}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			info["status"], info[name] = "degraded", err.Error()
			continue
		}
		info[name] = "ok"
	}

	// zero interval compares against the previous call instead of sleeping
	if usage, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(usage) > 0 {
		info["cpu_usage"] = usage[0]
	}
	if m, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info["memory_total"] = m.Total
		info["memory_used"] = m.Used
		info["memory_used_percent"] = m.UsedPercent
	}
	c.JSON(code, info)
}
