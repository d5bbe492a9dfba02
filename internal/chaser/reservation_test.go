package chaser

import "testing"

func TestReservationSettleReportsRate(t *testing.T) {
	r := newReservation()
	r.Add(1000)
	rate := r.Settle()
	if rate <= 0 {
		t.Fatalf("expected positive rate after settling 1000 bytes, got %v", rate)
	}
	if r.Rate() != rate {
		t.Fatalf("Rate() should report the last settled value without resetting it")
	}
}

func TestReservationsSlowestPicksLowestRate(t *testing.T) {
	rs := newReservations()
	rs.get("fast").lastRate = 10000
	rs.get("slow").lastRate = 10
	rs.get("mid").lastRate = 500

	got := rs.Slowest([]string{"fast", "slow", "mid"})
	if got != "slow" {
		t.Fatalf("Slowest() = %q, want %q", got, "slow")
	}
}

func TestReservationsSlowestIgnoresForgotten(t *testing.T) {
	rs := newReservations()
	rs.get("a").lastRate = 5
	rs.Forget("a")
	// a new reservation for "a" starts at rate 0, the weakest standing.
	got := rs.Slowest([]string{"a", "b"})
	if got != "a" {
		t.Fatalf("Slowest() = %q, want %q (fresh reservation starts at 0)", got, "a")
	}
}
