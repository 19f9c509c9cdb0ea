package api

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"AirShare/internal/registry"
	"AirShare/internal/round"
)

const (
	// maxBodySize is the maximum request body size in bytes.
	maxBodySize = 1 << 20 // 1 MB

	// maxIdentityLength is the maximum length of a user or operator identifier.
	maxIdentityLength = 256
)

// reportRequest is the body of POST /report.
type reportRequest struct {
	User     string `json:"user"`
	Operator string `json:"operator"`
	Report   string `json:"report"` // hex-encoded channel report
}

// identityRequest is the body of POST /users and POST /operators.
type identityRequest struct {
	ID string `json:"id"`
}

// rateRequest is the body of PUT /operators/{id}/rate.
type rateRequest struct {
	Rate uint64 `json:"rate"`
}

// decodeReportRequest parses and validates a report submission body.
func decodeReportRequest(r *http.Request) (registry.ID, registry.ID, []byte, error) {
	var req reportRequest

	if err := decodeBody(r, &req); err != nil {
		return "", "", nil, err
	}

	if err := validateIdentity(req.User); err != nil {
		return "", "", nil, fmt.Errorf("user: %w", err)
	}

	if err := validateIdentity(req.Operator); err != nil {
		return "", "", nil, fmt.Errorf("operator: %w", err)
	}

	report, err := hex.DecodeString(req.Report)
	if err != nil {
		return "", "", nil, fmt.Errorf("report is not valid hex: %w", err)
	}

	return registry.ID(req.User), registry.ID(req.Operator), report, nil
}

// decodeIdentityRequest parses and validates a registration body.
func decodeIdentityRequest(r *http.Request) (registry.ID, error) {
	var req identityRequest

	if err := decodeBody(r, &req); err != nil {
		return "", err
	}

	if err := validateIdentity(req.ID); err != nil {
		return "", err
	}

	return registry.ID(req.ID), nil
}

// decodeRateRequest parses and validates a rate configuration body.
func decodeRateRequest(r *http.Request) (uint64, error) {
	var req rateRequest

	if err := decodeBody(r, &req); err != nil {
		return 0, err
	}

	if req.Rate == 0 {
		return 0, fmt.Errorf("rate must be positive")
	}

	return req.Rate, nil
}

// decodeBody reads and unmarshals a size-limited JSON request body.
func decodeBody(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("failed to read body")
	}

	if len(body) == 0 {
		return fmt.Errorf("empty body")
	}

	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}

	return nil
}

// validateIdentity checks that an identifier is non-empty and bounded.
func validateIdentity(id string) error {
	if id == "" {
		return fmt.Errorf("empty identifier")
	}

	if len(id) > maxIdentityLength {
		return fmt.Errorf("identifier too long: %d > %d", len(id), maxIdentityLength)
	}

	return nil
}

// selectionResponse renders per-operator selections in operator order.
func selectionResponse(result round.Result) []map[string]any {
	selections := make([]map[string]any, 0, len(result.Selections.Operators))

	for _, operator := range result.Selections.Operators {
		rec := result.Selections.Records[operator]

		entry := map[string]any{
			"operator": string(operator),
		}

		if rec.User != "" {
			entry["user"] = string(rec.User)
			entry["rate"] = rec.Rate
			entry["duration"] = rec.Duration
		}

		selections = append(selections, entry)
	}

	return selections
}

// settlementResponse renders settlement records.
func settlementResponse(result round.Result) []map[string]any {
	settlements := make([]map[string]any, 0, len(result.Settlements))

	for _, rec := range result.Settlements {
		settlements = append(settlements, map[string]any{
			"user":      string(rec.User),
			"operator":  string(rec.Operator),
			"duration":  rec.Duration,
			"bandwidth": rec.Bandwidth,
			"cost":      rec.Cost,
		})
	}

	return settlements
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
