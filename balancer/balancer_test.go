package balancer

import "testing"

func countAgents(result map[string][]string) int {
	n := 0
	for _, agents := range result {
		n += len(agents)
	}
	return n
}

func TestPriorityBalanceScenario(t *testing.T) {
	// Scenario 3 from the testable-properties scenarios: two outposts
	// o1(pri=1,mips=1000), o2(pri=2,mips=1000); three free agents each
	// measured at mips=300, currently on central. Central takes part in
	// the priority scan, so it is given the least preferred priority.
	snap := Snapshot{
		"central": {MIPS: 1000, Priority: 3, Agents: map[string]Agent{
			"a1": {Location: "central", MIPS: 300, IsFree: true},
			"a2": {Location: "central", MIPS: 300, IsFree: true},
			"a3": {Location: "central", MIPS: 300, IsFree: true},
		}},
		"o1": {MIPS: 1000, Priority: 1, Agents: map[string]Agent{}},
		"o2": {MIPS: 1000, Priority: 2, Agents: map[string]Agent{}},
	}

	got := Priority(snap)

	want := map[string][]string{
		"central": nil,
		"o1":      {"a1", "a2"},
		"o2":      {"a3"},
	}

	for outpost, agents := range want {
		if !equalSlices(got[outpost], agents) {
			t.Errorf("result[%s] = %v, want %v", outpost, got[outpost], agents)
		}
	}
}

func TestPriorityTieBreakByInsertionOrder(t *testing.T) {
	// Two outposts with identical priority: first-occurrence (lexical,
	// since names are sorted before iterating the input map) wins. Central
	// is given a less preferred priority so it does not take a1 first.
	snap := Snapshot{
		"o1": {MIPS: 1000, Priority: 1, Agents: map[string]Agent{
			"a1": {Location: "central", MIPS: 100, IsFree: true},
		}},
		"o2": {MIPS: 1000, Priority: 1, Agents: map[string]Agent{}},
		"central": {MIPS: 1000, Priority: 2, Agents: map[string]Agent{}},
	}

	got := Priority(snap)
	if len(got["o1"]) != 1 || got["o1"][0] != "a1" {
		t.Fatalf("expected a1 placed on o1 (first in sorted order), got %v", got)
	}
	if len(got["o2"]) != 0 {
		t.Fatalf("expected o2 empty, got %v", got["o2"])
	}
}

func TestPriorityForcesCentralWhenNothingFits(t *testing.T) {
	snap := Snapshot{
		"central": {MIPS: 100, Priority: 0, Agents: map[string]Agent{
			"a1": {Location: "central", MIPS: 90, IsFree: true},
		}},
		"o1": {MIPS: 100, Priority: 1, Agents: map[string]Agent{}},
	}
	// a1 alone is 90/100 = 0.90 of either node, so no outpost fits under
	// 0.80 and a1 is forced onto central even though that pushes central
	// above 0.80. The held agent on o1 is visited after a1 (outposts are
	// taken in name order), so it does not affect a1's placement.
	snap["o1"] = Outpost{MIPS: 100, Priority: 1, Agents: map[string]Agent{
		"held": {Location: "o1", MIPS: 90, IsFree: false},
	}}

	got := Priority(snap)
	if len(got["central"]) != 1 || got["central"][0] != "a1" {
		t.Fatalf("expected a1 force-placed on central, got %v", got)
	}
}

func TestEqualLoadStableWhenAlreadyEqual(t *testing.T) {
	snap := Snapshot{
		"o1": {MIPS: 1000, Agents: map[string]Agent{
			"a1": {Location: "o1", MIPS: 200, IsFree: false},
		}},
		"o2": {MIPS: 1000, Agents: map[string]Agent{
			"a2": {Location: "o2", MIPS: 200, IsFree: false},
		}},
	}

	got := Equal(snap)
	if !equalSlices(got["o1"], []string{"a1"}) || !equalSlices(got["o2"], []string{"a2"}) {
		t.Fatalf("held agents at equal load should stay where they are, got %v", got)
	}
}

func TestEveryAgentAppearsExactlyOnce(t *testing.T) {
	snap := Snapshot{
		"central": {MIPS: 500, Priority: 0, Agents: map[string]Agent{
			"a1": {Location: "central", MIPS: 100, IsFree: true},
			"a2": {Location: "central", MIPS: 50, IsFree: true},
		}},
		"o1": {MIPS: 500, Priority: 1, Agents: map[string]Agent{
			"a3": {Location: "o1", MIPS: 20, IsFree: false},
		}},
	}

	for _, alg := range []Algorithm{Equal, Priority} {
		result := alg(snap)
		// Free agents are placed and a3, on hold, is listed where it is.
		if n := countAgents(result); n != 3 {
			t.Errorf("expected all 3 agents in the result, got %d in %v", n, result)
		}
		seen := map[string]int{}
		for _, agents := range result {
			for _, a := range agents {
				seen[a]++
			}
		}
		for name, count := range seen {
			if count != 1 {
				t.Errorf("agent %s appears %d times in result", name, count)
			}
		}
	}
}

func equalSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
