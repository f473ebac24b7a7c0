package labeler

import (
	"testing"

	"polybot/internal/client/polymarket/clob"
)

func TestLabel(t *testing.T) {
	tests := []struct {
		question string
		tags     []string
		want     string
	}{
		{"Will the Republican win the 2028 presidential election?", nil, TopicElection},
		{"Who will control the Senate after midterms?", nil, TopicElection},
		{"Will the Chiefs win Super Bowl LXI?", nil, TopicSports},
		{"NBA Finals: Celtics vs Lakers", nil, TopicSports},
		{"Will Bitcoin reach $150k in 2026?", nil, TopicCrypto},
		{"ETH above 5000 on Friday?", nil, TopicCrypto},
		{"Will it rain in London tomorrow?", nil, ""},
		{"Who wins the Masters?", []string{"Sports"}, TopicSports},
		{"Method to the madness", nil, ""},
	}
	l := &MarketLabeler{}
	for _, tt := range tests {
		if got := l.Label(tt.question, tt.tags); got != tt.want {
			t.Fatalf("Label(%q) = %q, want %q", tt.question, got, tt.want)
		}
	}
}

func TestMatchTags(t *testing.T) {
	rule := LabelRule{
		Label:    "sports",
		TagMatch: []string{"Sports", "NBA"},
	}
	if !matchTags(rule, []string{"nba"}) {
		t.Fatalf("expected true")
	}
	if matchTags(rule, []string{"Politics"}) {
		t.Fatalf("expected false")
	}
}

func market(id, question string) clob.Market {
	return clob.Market{
		ConditionID: id,
		Question:    question,
		Active:      true,
		Tokens:      []clob.Token{{TokenID: id + "-y", Outcome: "Yes"}, {TokenID: id + "-n", Outcome: "No"}},
	}
}

func TestGroup_CapsPerTopicAndSkipsClosed(t *testing.T) {
	closed := market("c", "Bitcoin above 100k?")
	closed.Closed = true
	markets := []clob.Market{
		market("a", "Bitcoin above 90k?"),
		market("b", "Ethereum above 4k?"),
		closed,
		market("d", "BTC above 95k?"),
		market("e", "Presidential election winner?"),
		market("f", "Will it snow?"),
	}
	groups := (&MarketLabeler{}).Group(markets, 2)
	if len(groups[TopicCrypto]) != 2 {
		t.Fatalf("crypto=%d want=2", len(groups[TopicCrypto]))
	}
	if groups[TopicCrypto][0].ConditionID != "a" || groups[TopicCrypto][1].ConditionID != "b" {
		t.Fatalf("order not preserved: %+v", groups[TopicCrypto])
	}
	if len(groups[TopicElection]) != 1 {
		t.Fatalf("election=%d want=1", len(groups[TopicElection]))
	}
	topics := Topics(groups)
	if len(topics) != 2 || topics[0] != TopicCrypto || topics[1] != TopicElection {
		t.Fatalf("topics=%v", topics)
	}
}
