package api

import (
	"encoding/json"
	"testing"

	"secure-code-sandbox/internal/engine"
)

func TestLimitsDTO_Merge(t *testing.T) {
	base := engine.DefaultLimits()

	var nilDTO *LimitsDTO
	if got := nilDTO.Merge(base); got != base {
		t.Errorf("nil DTO must return base unchanged, got %+v", got)
	}

	merged := (&LimitsDTO{MemoryMB: 128, WallClockMs: 20000}).Merge(base)
	if merged.MaxMemoryMB != 128 {
		t.Errorf("MaxMemoryMB = %d, want 128", merged.MaxMemoryMB)
	}
	if merged.MaxWallClockMs != 20000 {
		t.Errorf("MaxWallClockMs = %d, want 20000", merged.MaxWallClockMs)
	}
	if merged.MaxCPUTimeMs != base.MaxCPUTimeMs {
		t.Errorf("MaxCPUTimeMs = %d, want base %d preserved", merged.MaxCPUTimeMs, base.MaxCPUTimeMs)
	}
	if merged.MaxOutputBytes != base.MaxOutputBytes {
		t.Error("unset fields must keep base values")
	}
}

func TestExecuteRequest_StrictDefault(t *testing.T) {
	var req ExecuteRequest
	if err := json.Unmarshal([]byte(`{"language":"python","code":"x=1"}`), &req); err != nil {
		t.Fatal(err)
	}
	if req.StrictSecurityMode != nil {
		t.Error("omitted strict_security_mode must decode as nil")
	}

	if err := json.Unmarshal([]byte(`{"language":"python","code":"x=1","strict_security_mode":false}`), &req); err != nil {
		t.Fatal(err)
	}
	if req.StrictSecurityMode == nil || *req.StrictSecurityMode {
		t.Error("explicit false must decode as non-nil false")
	}
}
