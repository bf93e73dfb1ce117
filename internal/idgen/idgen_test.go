package idgen

import "testing"

func TestCaptureIDStableAcrossRetries(t *testing.T) {
	content := map[string]string{"week_ending": "2025-12-19", "row_count": "4210"}
	a := CaptureID("finra.otc_transparency", "NMS_TIER_1", "2025-12-19", content)
	b := CaptureID("finra.otc_transparency", "NMS_TIER_1", "2025-12-19", content)
	if a != b {
		t.Fatalf("expected stable capture id across retries, got %s vs %s", a, b)
	}
}

func TestCaptureIDChangesWithContent(t *testing.T) {
	a := CaptureID("finra.otc_transparency", "NMS_TIER_1", "2025-12-19", map[string]string{"row_count": "4210"})
	b := CaptureID("finra.otc_transparency", "NMS_TIER_1", "2025-12-19", map[string]string{"row_count": "4211"})
	if a == b {
		t.Fatal("expected different content to produce different capture id")
	}
}

func TestCaptureIDFormat(t *testing.T) {
	id := CaptureID("finra.otc_transparency", "NMS_TIER_1", "2025-12-19", nil)
	// domain:tier:partition:6-hex
	if len(id) < len("finra.otc_transparency:NMS_TIER_1:2025-12-19:")+6 {
		t.Fatalf("unexpected capture id shape: %s", id)
	}
}

func TestNewExecutionIDsAreUnique(t *testing.T) {
	a := NewExecutionID()
	b := NewExecutionID()
	if a == b {
		t.Fatal("expected unique execution ids")
	}
	if len(a) != 26 {
		t.Fatalf("expected ULID length 26, got %d (%s)", len(a), a)
	}
}
