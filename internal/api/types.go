package api

import (
	"secure-code-sandbox/internal/analyzer"
	"secure-code-sandbox/internal/engine"
)

// AnalyzeRequest asks for static analysis without validation or execution.
type AnalyzeRequest struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

// AnalyzeResponse reports parse outcome and code metrics.
type AnalyzeResponse struct {
	Success         bool             `json:"success"`
	Language        string           `json:"language"`
	Errors          []string         `json:"errors,omitempty"`
	Warnings        []string         `json:"warnings,omitempty"`
	Metrics         analyzer.Metrics `json:"metrics"`
	ComplexityScore int              `json:"complexity_score"`
}

// ValidateRequest asks for security validation without execution.
type ValidateRequest struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

// ExecuteRequest is the API-level request to run code in the sandbox.
type ExecuteRequest struct {
	Language string     `json:"language"`
	Code     string     `json:"code"`
	Inputs   []string   `json:"inputs,omitempty"`
	Limits   *LimitsDTO `json:"limits,omitempty"`

	// StrictSecurityMode defaults to true when omitted.
	StrictSecurityMode     *bool `json:"strict_security_mode,omitempty"`
	SkipSecurityValidation bool  `json:"skip_security_validation,omitempty"`
}

// LimitsDTO overrides the configured default limits. Zero fields keep
// their defaults.
type LimitsDTO struct {
	MemoryMB        int64 `json:"memory_mb,omitempty"`
	CPUTimeMs       int64 `json:"cpu_time_ms,omitempty"`
	WallClockMs     int64 `json:"wall_clock_ms,omitempty"`
	OutputBytes     int64 `json:"output_bytes,omitempty"`
	NetworkRequests int   `json:"network_requests,omitempty"`
	DomMutations    int   `json:"dom_mutations,omitempty"`
	RecursionDepth  int   `json:"recursion_depth,omitempty"`
}

// Merge overlays the non-zero DTO fields on base.
func (d *LimitsDTO) Merge(base engine.Limits) engine.Limits {
	if d == nil {
		return base
	}
	if d.MemoryMB > 0 {
		base.MaxMemoryMB = d.MemoryMB
	}
	if d.CPUTimeMs > 0 {
		base.MaxCPUTimeMs = d.CPUTimeMs
	}
	if d.WallClockMs > 0 {
		base.MaxWallClockMs = d.WallClockMs
	}
	if d.OutputBytes > 0 {
		base.MaxOutputBytes = d.OutputBytes
	}
	if d.NetworkRequests > 0 {
		base.MaxNetworkRequests = d.NetworkRequests
	}
	if d.DomMutations > 0 {
		base.MaxDomMutations = d.DomMutations
	}
	if d.RecursionDepth > 0 {
		base.MaxRecursionDepth = d.RecursionDepth
	}
	return base
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status   string          `json:"status"`
	Engines  []engine.Status `json:"engines"`
	Database bool            `json:"database"`
	Uptime   string          `json:"uptime"`
}
