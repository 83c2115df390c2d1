package snowflake

import "testing"

func TestSetupSnowflake(t *testing.T) {
	err := Setup(0)
	if err != nil {
		t.Error(err)
	}
}

func TestGenerateSnowflake(t *testing.T) {
	_, err := Generate()
	if err != nil {
		t.Error(err)
	}
}

func TestExtractRoundTrip(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatal(err)
	}

	parts := Extract(id)
	if parts.WorkerID != 0 {
		t.Errorf("expected worker ID 0, got %d", parts.WorkerID)
	}
	if parts.Timestamp == 0 {
		t.Error("expected non-zero timestamp")
	}
}

func TestSsrcDistinctForConsecutiveSessions(t *testing.T) {
	a, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	b, err := Generate()
	if err != nil {
		t.Fatal(err)
	}

	if Ssrc(a) == Ssrc(b) {
		t.Errorf("consecutive session IDs folded to the same SSRC: %d", Ssrc(a))
	}
}

func TestSnowflakeIncrementOverflow(t *testing.T) {
	for range 100000 {
		_, err := Generate()
		if err != nil {
			return
		}
	}
	t.Error("Expected increment overflow, but there wasn't")
}
