// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/prens/pkg/validation"
	"github.com/AleutianAI/prens/services/namespace/datatypes"
	"github.com/AleutianAI/prens/services/namespace/tree"
)

// errBadParam marks a malformed path or query parameter.
var errBadParam = errors.New("bad parameter")

// statusFor maps an error to its HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadParam),
		errors.Is(err, validation.ErrInvalidHostname),
		errors.Is(err, validation.ErrInvalidTTL):
		return http.StatusBadRequest
	case errors.Is(err, tree.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, tree.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the error body and aborts the chain. Server-side
// failures are logged with the request id.
func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed",
			"request_id", c.GetString(RequestIDKey),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"error", err,
		)
	}
	c.AbortWithStatusJSON(status, datatypes.ErrorResponse{Error: err.Error()})
}

// pathID parses a non-negative integer path parameter.
func pathID(c *gin.Context, name string) (int64, error) {
	return parseInt(name, c.Param(name), 0)
}

// queryInt parses an optional integer query parameter no smaller than floor.
func queryInt(c *gin.Context, name string, def, floor int64) (int64, error) {
	raw, ok := c.GetQuery(name)
	if !ok || raw == "" {
		return def, nil
	}
	return parseInt(name, raw, floor)
}

func parseInt(name, raw string, floor int64) (int64, error) {
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < floor {
		return 0, &paramError{name: name, raw: raw}
	}
	return v, nil
}

// paramError names the offending parameter. It matches errBadParam.
type paramError struct {
	name string
	raw  string
}

func (e *paramError) Error() string {
	return "invalid " + e.name + ": " + strconv.Quote(e.raw)
}

func (e *paramError) Is(target error) bool { return target == errBadParam }
