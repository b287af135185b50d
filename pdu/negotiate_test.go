package pdu

import "testing"

func TestNegotiatePrefersProposerOrder(t *testing.T) {
	proposed := []ProposedContext{
		{ID: 1, AbstractSyntax: "1.2.840.10008.5.1.1.9", TransferSyntaxes: []string{
			"1.2.840.10008.1.2.1", // proposer prefers explicit
			"1.2.840.10008.1.2",
		}},
	}
	caps := []Capability{
		// Acceptor lists implicit first; the proposer's order must win.
		{AbstractSyntax: "1.2.840.10008.5.1.1.9", TransferSyntaxes: []string{"1.2.840.10008.1.2", "1.2.840.10008.1.2.1"}},
	}

	results := Negotiate(proposed, caps)
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Result != ResultAcceptance {
		t.Fatalf("result = %d, want acceptance", results[0].Result)
	}
	if results[0].TransferSyntax != "1.2.840.10008.1.2.1" {
		t.Errorf("selected transfer syntax = %s, want proposer's first choice", results[0].TransferSyntax)
	}
}

func TestNegotiateRejectionCodes(t *testing.T) {
	proposed := []ProposedContext{
		{ID: 1, AbstractSyntax: "1.2.840.10008.5.1.1.9", TransferSyntaxes: []string{"1.2.840.10008.1.2"}},
		{ID: 3, AbstractSyntax: "1.2.840.10008.5.1.1.999", TransferSyntaxes: []string{"1.2.840.10008.1.2"}},
		{ID: 5, AbstractSyntax: "1.2.840.10008.5.1.1.9", TransferSyntaxes: []string{"1.2.840.10008.1.2.99"}},
	}
	caps := []Capability{
		{AbstractSyntax: "1.2.840.10008.5.1.1.9", TransferSyntaxes: []string{"1.2.840.10008.1.2"}},
	}

	results := Negotiate(proposed, caps)
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}

	want := map[byte]byte{
		1: ResultAcceptance,
		3: ResultAbstractSyntaxNotSupported,
		5: ResultTransferSyntaxesNotSupported,
	}
	for _, r := range results {
		if r.Result != want[r.ID] {
			t.Errorf("context %d result = %d, want %d", r.ID, r.Result, want[r.ID])
		}
		if r.Result != ResultAcceptance && r.TransferSyntax != "" {
			t.Errorf("rejected context %d carries transfer syntax %q", r.ID, r.TransferSyntax)
		}
	}

	if n := AcceptedCount(results); n != 1 {
		t.Errorf("AcceptedCount = %d, want 1", n)
	}
}

func TestNegotiateNothingAcceptable(t *testing.T) {
	proposed := []ProposedContext{
		{ID: 1, AbstractSyntax: "1.2.840.10008.5.1.1.1", TransferSyntaxes: []string{"1.2.840.10008.1.2"}},
	}

	results := Negotiate(proposed, nil)
	if AcceptedCount(results) != 0 {
		t.Error("expected zero accepted contexts with empty capability set")
	}
}
