package session

import "testing"

func TestStatusStringCoversAllValues(t *testing.T) {
	for st := StatusIdle; st <= StatusConsumeStreamFailed; st++ {
		if got := st.String(); got == "unknown" {
			t.Fatalf("status %d has no String() mapping", st)
		}
	}
}

func TestStatusStringUnknownValue(t *testing.T) {
	if got := Status(999).String(); got != "unknown" {
		t.Fatalf("expected unknown for out-of-range status, got %q", got)
	}
}

func TestConnectionStateToStatusMapsKnownStates(t *testing.T) {
	cases := map[string]Status{
		"new":          StatusNew,
		"checking":     StatusChecking,
		"connecting":   StatusConnecting,
		"connected":    StatusConnected,
		"completed":    StatusCompleted,
		"failed":       StatusFailed,
		"disconnected": StatusDisconnected,
		"closed":       StatusClosed,
	}
	for state, want := range cases {
		got, ok := connectionStateToStatus(state)
		if !ok {
			t.Fatalf("expected %q to be recognized", state)
		}
		if got != want {
			t.Fatalf("state %q: expected %v, got %v", state, want, got)
		}
	}
}

func TestConnectionStateToStatusRejectsUnknownState(t *testing.T) {
	if _, ok := connectionStateToStatus("bogus"); ok {
		t.Fatal("expected unknown connection state to be rejected")
	}
}

func TestMustJSONNeverPanics(t *testing.T) {
	if got := mustJSON(map[string]any{"a": 1}); len(got) == 0 {
		t.Fatal("expected non-empty JSON")
	}
}
