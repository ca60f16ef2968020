package model

import (
	"errors"
	"testing"
)

func TestEndpointHealthTracking(t *testing.T) {
	r := testRegistry()

	if health := r.GetEndpointHealth("gemini-pro"); health != nil {
		t.Error("expected no health info before any requests")
	}

	r.MarkEndpointSuccess("gemini-pro")

	health := r.GetEndpointHealth("gemini-pro")
	if health == nil {
		t.Fatal("expected health info after success")
	}
	if !health.Available {
		t.Error("expected endpoint to be available after success")
	}
	if health.LastSuccess.IsZero() {
		t.Error("expected last success to be set")
	}
}

func TestEndpointBecomesUnavailableAfterThreshold(t *testing.T) {
	r := testRegistry()
	r.SetHealthConfig(HealthConfig{FailureThreshold: 2})

	cause := errors.New("status 503")
	r.MarkEndpointFailure("local", cause)
	if !r.GetEndpointHealth("local").Available {
		t.Error("expected available after 1 failure")
	}

	r.MarkEndpointFailure("local", cause)
	health := r.GetEndpointHealth("local")
	if health.Available {
		t.Error("expected unavailable after 2 failures")
	}
	if health.LastError != "status 503" {
		t.Errorf("LastError = %q", health.LastError)
	}

	r.MarkEndpointSuccess("local")
	health = r.GetEndpointHealth("local")
	if !health.Available || health.FailureCount != 0 {
		t.Errorf("expected reset after success, got %+v", health)
	}
}

func TestHealthSortedByName(t *testing.T) {
	r := testRegistry()
	r.MarkEndpointSuccess("zeta")
	r.MarkEndpointSuccess("alpha")

	all := r.Health()
	if len(all) != 2 || all[0].Name != "alpha" || all[1].Name != "zeta" {
		t.Errorf("unexpected order: %+v", all)
	}
}
