// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package gateway assembles the HTTP surface in front of the engine.
package gateway

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/synesis-ai/synesis/services/gateway/handlers"
	"github.com/synesis-ai/synesis/services/gateway/middleware"
)

// NewRouter builds the gin engine with all routes mounted.
func NewRouter(server *handlers.Server) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", server.Health)
	r.GET("/health/readiness", server.Ready)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	v1.Use(middleware.Identity())
	{
		v1.POST("/chat/completions", server.Chat)
		v1.GET("/models", server.Models)
	}
	return r
}
