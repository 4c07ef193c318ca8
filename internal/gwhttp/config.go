// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package gwhttp

import (
	"encoding/json"
	"io"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"

	"github.com/jinterlante1206/ollama-gateway/internal/gwconfig"
	"github.com/jinterlante1206/ollama-gateway/internal/gwerrors"
)

// handleGetConfig returns the routing document exactly as it is on disk
// (including unresolved ${VAR} references), matching the original
// gateway's get_config_api — this is the editable document, not the
// resolved RoutingSnapshot.
func (h *Handlers) handleGetConfig(c *gin.Context) {
	raw, err := os.ReadFile(h.ConfigPath)
	if err != nil {
		if os.IsNotExist(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "config file not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "error reading config: " + err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", raw)
}

// handlePostConfig validates and persists a new routing document, then
// reloads it so it takes effect immediately, matching save_config_api.
func (h *Handlers) handlePostConfig(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read request body"})
		return
	}
	var doc gwconfig.Document
	if err := json.Unmarshal(body, &doc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON"})
		return
	}

	if err := h.Config.Save(&doc); err != nil {
		status := gwerrors.StatusFor(err)
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "routing document saved and reloaded"})
}

// handleReloadConfig re-reads the routing document from disk without
// modifying it, matching reload_config_api.
func (h *Handlers) handleReloadConfig(c *gin.Context) {
	if err := h.Config.Load(); err != nil {
		status := gwerrors.StatusFor(err)
		c.JSON(status, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "routing document reloaded"})
}
