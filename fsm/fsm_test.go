package fsm

import "testing"

// buildRelayRegistrationMachine mirrors the states relaylisten drives a
// single registration through: NotListening -> Connecting -> Listening ->
// Handover, with failure bouncing back to NotListening.
func buildRelayRegistrationMachine(t *testing.T) *Machine {
	t.Helper()
	m := New("root")
	for _, s := range []string{"NotListening", "Connecting", "Listening", "Handover"} {
		if err := m.AddState(s, ""); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.SetInitialState("", "NotListening"); err != nil {
		t.Fatal(err)
	}
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(m.AddTransition("connect", "NotListening", "Connecting", HistoryNone))
	must(m.AddTransition("registered", "Connecting", "Listening", HistoryNone))
	must(m.AddTransition("handover", "Listening", "Handover", HistoryNone))
	must(m.AddTransition("failed", "Connecting", "NotListening", HistoryNone))
	must(m.AddTransition("failed", "Listening", "NotListening", HistoryNone))
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestFSMTransitionsWalkRegistrationLifecycle(t *testing.T) {
	m := buildRelayRegistrationMachine(t)
	if got := m.Current(); got != "NotListening" {
		t.Fatalf("initial state = %q, want NotListening", got)
	}
	var changes [][2]string
	m.OnStateChange(func(old, new, event string) { changes = append(changes, [2]string{old, new}) })

	ok, err := m.Fire("connect")
	if err != nil || !ok {
		t.Fatalf("connect transition failed: ok=%v err=%v", ok, err)
	}
	if m.Current() != "Connecting" {
		t.Fatalf("state = %q, want Connecting", m.Current())
	}

	ok, err = m.Fire("registered")
	if err != nil || !ok {
		t.Fatalf("registered transition failed: ok=%v err=%v", ok, err)
	}
	if m.Current() != "Listening" {
		t.Fatalf("state = %q, want Listening", m.Current())
	}

	ok, err = m.Fire("handover")
	if err != nil || !ok {
		t.Fatalf("handover transition failed: ok=%v err=%v", ok, err)
	}
	if m.Current() != "Handover" {
		t.Fatalf("state = %q, want Handover", m.Current())
	}

	if len(changes) != 3 {
		t.Fatalf("expected 3 recorded transitions, got %d: %v", len(changes), changes)
	}
}

func TestFSMUnhandledEventReturnsFalse(t *testing.T) {
	m := buildRelayRegistrationMachine(t)
	ok, err := m.Fire("handover")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("handover from NotListening should be unhandled")
	}
	if m.Current() != "NotListening" {
		t.Fatalf("unhandled event must not move the machine, got %q", m.Current())
	}
}

func TestFSMFailureReturnsToNotListening(t *testing.T) {
	m := buildRelayRegistrationMachine(t)
	if _, err := m.Fire("connect"); err != nil {
		t.Fatal(err)
	}
	ok, err := m.Fire("failed")
	if err != nil || !ok {
		t.Fatalf("failed transition should be handled: ok=%v err=%v", ok, err)
	}
	if m.Current() != "NotListening" {
		t.Fatalf("state = %q, want NotListening after failure", m.Current())
	}
}
