// Copyright (C) 2026 monitor-sub002 contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package httpapi is the control surface (spec §6): gin routes mapping
// every public operation onto the ingestion, archive, sourcemap,
// aggregation, diagnosis, and retention packages behind a single
// {success, message, data} envelope.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lqt0707/monitor-sub002/internal/apperrors"
)

// ok writes the {success: true, data} envelope.
func ok(c *gin.Context, status int, data interface{}) {
	c.JSON(status, gin.H{"success": true, "data": data})
}

// fail writes the {success: false, message, error} envelope, mapping an
// *apperrors.Error (or any wrapped error) to its HTTP status.
func fail(c *gin.Context, err error) {
	kind := apperrors.KindOf(err)
	c.JSON(kind.HTTPStatus(), gin.H{"success": false, "message": err.Error(), "error": string(kind)})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": message, "error": string(apperrors.KindBadRequest)})
}
