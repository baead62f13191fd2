// Xraycp is a control plane for XRAY (VLESS+REALITY) relays.
// Copyright (C) 2026 Xraycp Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"xraycp/pkg/relay"
)

// writeJSONResponse writes a JSON response with standard headers.
func writeJSONResponse(w http.ResponseWriter, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		slog.Error("Failed to marshal JSON response", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		slog.Warn("Failed to write JSON response body", "error", err)
	}
}

// writeErrorResponse writes the error payload shape used across all
// endpoints: {"error": {"kind": ..., "message": ...}}.
func writeErrorResponse(w http.ResponseWriter, status int, kind, message string) {
	writeJSONResponse(w, status, map[string]any{
		"error": map[string]any{
			"kind":    kind,
			"message": message,
		},
	})
}

// writeAppError maps a typed error from the core onto an HTTP status.
// Anything outside the closed kind set is a 500.
func writeAppError(w http.ResponseWriter, err error) {
	kind := relay.KindOf(err)
	message := err.Error()
	if ae, ok := relay.AsAppError(err); ok {
		message = ae.Message
	}

	status := http.StatusInternalServerError
	switch kind {
	case relay.ErrServerNotFound, relay.ErrJobNotFound, relay.ErrSecretNotFound:
		status = http.StatusNotFound
	case relay.ErrServerBusy:
		status = http.StatusConflict
	case relay.ErrJobCancelled:
		status = http.StatusConflict
	}
	writeErrorResponse(w, status, string(kind), message)
}
