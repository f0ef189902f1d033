package distribution

type Share struct {
	AgentID string `json:"agent_id"`
	Amount  int64  `json:"amount"`
}

type Allocation struct {
	Total  int64
	Shares []Share
}

// Plan splits pct percent of pool evenly across agents. The division
// remainder goes to the first agent so the shares always sum to Total.
func Plan(pool int64, agents []string, pct int) Allocation {
	if pool <= 0 || pct <= 0 || len(agents) == 0 {
		return Allocation{}
	}
	if pct > 100 {
		pct = 100
	}

	// split before multiplying so large pools cannot overflow
	total := pool/100*int64(pct) + pool%100*int64(pct)/100
	n := int64(len(agents))
	base, remainder := total/n, total%n

	shares := make([]Share, 0, len(agents))
	for i, id := range agents {
		amount := base
		if i == 0 {
			amount += remainder
		}
		if amount == 0 {
			continue
		}
		shares = append(shares, Share{AgentID: id, Amount: amount})
	}
	return Allocation{Total: total, Shares: shares}
}

// clampPercentage bounds a percentage to [0, 100].
func clampPercentage(pct int) int {
	switch {
	case pct < 0:
		return 0
	case pct > 100:
		return 100
	}
	return pct
}
