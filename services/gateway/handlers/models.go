// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/synesis-ai/synesis/services/gateway/datatypes"
)

// Models handles GET /v1/models.
//
// One logical model is advertised: the pipeline. The per-stage backend
// models are an implementation detail clients cannot select.
func (s *Server) Models(c *gin.Context) {
	c.JSON(http.StatusOK, datatypes.ModelList{
		Object: "list",
		Data: []datatypes.Model{{
			ID:      s.cfg().Server.ModelName,
			Object:  "model",
			Created: time.Now().Unix(),
			OwnedBy: "synesis",
		}},
	})
}
