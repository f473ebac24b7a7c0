package labeler

import (
	"regexp"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"polybot/internal/client/polymarket/clob"
)

// MarketLabeler assigns one topic label per market from question text and
// venue tags. Rules are tried in order; the first match wins.
type MarketLabeler struct {
	Rules  []LabelRule
	Logger *zap.Logger

	once sync.Once
}

type LabelRule struct {
	Label      string
	TitleRegex []string
	TagMatch   []string
	Confidence float64

	compiled []*regexp.Regexp
}

const (
	TopicElection = "election"
	TopicSports   = "sports"
	TopicCrypto   = "crypto"
)

func DefaultRules() []LabelRule {
	return []LabelRule{
		{
			Label: TopicElection,
			TitleRegex: []string{
				`(?i)\b(election|president(ial)?|senate)\b`,
			},
			TagMatch:   []string{"Elections", "Politics"},
			Confidence: 0.9,
		},
		{
			Label: TopicSports,
			TitleRegex: []string{
				`(?i)\b(nfl|nba|mlb|nhl)\b`,
				`(?i)super\s*bowl`,
			},
			TagMatch:   []string{"Sports", "NBA", "NFL", "MLB", "NHL"},
			Confidence: 0.95,
		},
		{
			Label: TopicCrypto,
			TitleRegex: []string{
				`(?i)\b(bitcoin|btc|ethereum|eth)\b`,
			},
			TagMatch:   []string{"Crypto"},
			Confidence: 0.85,
		},
	}
}

func (l *MarketLabeler) compile() {
	l.once.Do(func() {
		if len(l.Rules) == 0 {
			l.Rules = DefaultRules()
		}
		for i := range l.Rules {
			for _, raw := range l.Rules[i].TitleRegex {
				re, err := regexp.Compile(raw)
				if err != nil {
					if l.Logger != nil {
						l.Logger.Warn("label rule regex compile failed", zap.String("label", l.Rules[i].Label), zap.String("regex", raw), zap.Error(err))
					}
					continue
				}
				l.Rules[i].compiled = append(l.Rules[i].compiled, re)
			}
		}
	})
}

// Label returns the topic for a market, or "" when no rule applies.
func (l *MarketLabeler) Label(question string, tags []string) string {
	if l == nil {
		return ""
	}
	l.compile()
	title := strings.TrimSpace(question)
	for _, rule := range l.Rules {
		if (title != "" && matchAny(rule, title)) || matchTags(rule, tags) {
			return rule.Label
		}
	}
	return ""
}

// Group buckets tradable markets by topic, keeping at most maxPerTopic per
// topic in input order. maxPerTopic <= 0 keeps everything.
func (l *MarketLabeler) Group(markets []clob.Market, maxPerTopic int) map[string][]clob.Market {
	out := map[string][]clob.Market{}
	for _, m := range markets {
		if !m.Tradable() {
			continue
		}
		topic := l.Label(m.Question, m.Tags)
		if topic == "" {
			continue
		}
		if maxPerTopic > 0 && len(out[topic]) >= maxPerTopic {
			continue
		}
		out[topic] = append(out[topic], m)
	}
	return out
}

// Topics returns the keys of a grouping in stable order.
func Topics(groups map[string][]clob.Market) []string {
	out := make([]string, 0, len(groups))
	for k := range groups {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func matchAny(rule LabelRule, title string) bool {
	for _, re := range rule.compiled {
		if re.MatchString(title) {
			return true
		}
	}
	return false
}

func matchTags(rule LabelRule, tags []string) bool {
	if len(rule.TagMatch) == 0 || len(tags) == 0 {
		return false
	}
	want := map[string]struct{}{}
	for _, t := range rule.TagMatch {
		key := strings.ToLower(strings.TrimSpace(t))
		if key != "" {
			want[key] = struct{}{}
		}
	}
	for _, tag := range tags {
		key := strings.ToLower(strings.TrimSpace(tag))
		if key == "" {
			continue
		}
		if _, ok := want[key]; ok {
			return true
		}
	}
	return false
}
