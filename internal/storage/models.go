package storage

import "time"

// Execution represents a stored execution record.
type Execution struct {
	ID              string     `json:"id" db:"id"`
	Language        string     `json:"language" db:"language"`
	CodeHash        string     `json:"code_hash" db:"code_hash"`
	ExitCode        int        `json:"exit_code" db:"exit_code"`
	Output          string     `json:"output" db:"output"`
	Stderr          string     `json:"stderr" db:"stderr"`
	Error           string     `json:"error,omitempty" db:"error"`
	DurationMS      int64      `json:"duration_ms" db:"duration_ms"`
	MemoryPeakMB    float64    `json:"memory_peak_mb" db:"memory_peak_mb"`
	CPUPercent      float64    `json:"cpu_percent" db:"cpu_percent"`
	NetworkRequests int        `json:"network_requests" db:"network_requests"`
	DomMutations    int        `json:"dom_mutations" db:"dom_mutations"`
	RiskScore       int        `json:"risk_score" db:"risk_score"`
	Verdict         string     `json:"verdict" db:"verdict"` // valid, blocked, skipped
	RuleIDs         []string   `json:"rule_ids,omitempty" db:"rule_ids"`
	Status          string     `json:"status" db:"status"` // completed, failed, blocked, timeout
	Cached          bool       `json:"cached" db:"cached"`
	RequestIP       string     `json:"request_ip" db:"request_ip"`
	APIKeyHash      string     `json:"api_key_hash,omitempty" db:"api_key_hash"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// ViolationRecord stores one security finding for audit.
type ViolationRecord struct {
	ID          string    `json:"id" db:"id"`
	ExecutionID string    `json:"execution_id" db:"execution_id"`
	RuleID      string    `json:"rule_id" db:"rule_id"`
	Severity    string    `json:"severity" db:"severity"`
	Detail      string    `json:"detail" db:"detail"`
	Line        int       `json:"line,omitempty" db:"line"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// ExecutionFilter provides criteria for querying executions.
type ExecutionFilter struct {
	Language string
	Status   string
	Verdict  string
	Since    *time.Time
	Until    *time.Time
	Limit    int
	Offset   int
}
