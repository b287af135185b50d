package pdu

// Capability declares one abstract syntax an acceptor supports together with
// the transfer syntaxes it can decode for it.
type Capability struct {
	AbstractSyntax   string
	TransferSyntaxes []string
}

// Negotiate applies the presentation context negotiation rules of PS3.8 to a
// proposed context list: for each proposed context the result is acceptance
// with exactly one transfer syntax — the first entry of the proposer's
// preference list the acceptor also supports — or the applicable rejection
// code. The proposer's ordering is authoritative; the acceptor never
// substitutes a syntax the proposer did not offer.
func Negotiate(proposed []ProposedContext, capabilities []Capability) []ContextResult {
	bySyntax := make(map[string]map[string]bool, len(capabilities))
	for _, cap := range capabilities {
		ts := bySyntax[cap.AbstractSyntax]
		if ts == nil {
			ts = make(map[string]bool, len(cap.TransferSyntaxes))
			bySyntax[cap.AbstractSyntax] = ts
		}
		for _, t := range cap.TransferSyntaxes {
			ts[t] = true
		}
	}

	results := make([]ContextResult, 0, len(proposed))
	for _, ctx := range proposed {
		supported, ok := bySyntax[ctx.AbstractSyntax]
		if !ok {
			results = append(results, ContextResult{ID: ctx.ID, Result: ResultAbstractSyntaxNotSupported})
			continue
		}

		selected := ""
		for _, ts := range ctx.TransferSyntaxes {
			if supported[ts] {
				selected = ts
				break
			}
		}
		if selected == "" {
			results = append(results, ContextResult{ID: ctx.ID, Result: ResultTransferSyntaxesNotSupported})
			continue
		}
		results = append(results, ContextResult{ID: ctx.ID, Result: ResultAcceptance, TransferSyntax: selected})
	}
	return results
}

// AcceptedCount returns the number of accepted contexts in a result list. An
// association with zero accepted contexts must be rejected, not established.
func AcceptedCount(results []ContextResult) int {
	n := 0
	for _, r := range results {
		if r.Result == ResultAcceptance {
			n++
		}
	}
	return n
}
