package deal

import "testing"

func TestCanTransition_DeclaredEdges(t *testing.T) {
	legal := map[[2]Status]bool{
		{StatusPendingDeposit, StatusFunded}:    true,
		{StatusPendingDeposit, StatusCancelled}: true,
		{StatusFunded, StatusDisputed}:          true,
		{StatusFunded, StatusCompleted}:         true,
		{StatusDisputed, StatusFunded}:          true,
		{StatusDisputed, StatusCompleted}:       true,
		{StatusDisputed, StatusRefunded}:        true,
	}

	all := []Status{
		StatusPendingDeposit, StatusFunded, StatusDisputed,
		StatusCompleted, StatusRefunded, StatusCancelled,
	}

	for _, from := range all {
		for _, to := range all {
			want := legal[[2]Status{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestCanTransition_NoDirectJump(t *testing.T) {
	if CanTransition(StatusPendingDeposit, StatusCompleted) {
		t.Error("pending_deposit -> completed must be forbidden")
	}
	if CanTransition(StatusPendingDeposit, StatusDisputed) {
		t.Error("pending_deposit -> disputed must be forbidden")
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusRefunded, StatusCancelled} {
		if !Terminal(s) {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	for _, s := range []Status{StatusPendingDeposit, StatusFunded, StatusDisputed} {
		if Terminal(s) {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
	if Terminal(Status("bogus")) {
		t.Error("unknown status must not be terminal")
	}
}

func TestValidStatus(t *testing.T) {
	if !ValidStatus(StatusFunded) {
		t.Error("funded should be valid")
	}
	if ValidStatus(Status("limbo")) {
		t.Error("limbo should be invalid")
	}
}

func TestNewCode_Shape(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		code := NewCode()
		if len(code) != 7 || code[2] != '-' {
			t.Fatalf("unexpected code shape %q", code)
		}
		seen[code] = struct{}{}
	}
	if len(seen) < 95 {
		t.Fatalf("codes collide too often: %d unique of 100", len(seen))
	}
}
