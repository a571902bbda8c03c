package pipeline

import (
	"regexp"
	"strings"
)

// PatternResult is the deterministic pre-classification of a message.
type PatternResult struct {
	IsGreeting          bool
	IsFarewell          bool
	IsEscalationRequest bool
	Confidence          float64
}

// Greeting and farewell hits in messages longer than this many words are
// likely embedded in a real request and get half confidence.
const shortMessageWords = 6

var (
	enGreeting = []*regexp.Regexp{
		regexp.MustCompile(`\b(hi|hello|hey|good morning|good afternoon|good evening|greetings)\b`),
		regexp.MustCompile(`\b(how are you|how's it going|how do you do)\b`),
		regexp.MustCompile(`\b(nice to meet you|pleasure to meet you)\b`),
	}
	enFarewell = []*regexp.Regexp{
		regexp.MustCompile(`\b(bye|goodbye|see you|see ya|take care|farewell)\b`),
		regexp.MustCompile(`\b(thank you|thanks|thank you so much)\b`),
		regexp.MustCompile(`\b(that's all|that's it)\b`),
	}
	enEscalation = []*regexp.Regexp{
		regexp.MustCompile(`\b(talk|speak|chat)\s+(to|with)\s+(a\s+|an\s+|the\s+|your\s+)?(human|person|real person|someone|somebody|staff|manager|agent|employee)\b`),
		regexp.MustCompile(`\b(human agent|real person|live agent|customer service representative)\b`),
		regexp.MustCompile(`\b(i want|i need|get me|connect me (to|with))\s+(a\s+)?(human|person|staff member)\b`),
	}

	myGreeting = []string{
		"မင်္ဂလာပါ", "ဟလို", "ဟေး", "ဟယ်လို", "ဘယ်လိုလဲ", "ဘယ်လိုရှိလဲ", "ဘယ်လိုနေလဲ",
	}
	myFarewell = []string{
		"ကျေးဇူးတင်ပါတယ်", "ကျေးဇူး", "ပြန်လာမယ်", "သွားပါတယ်", "နှုတ်ဆက်ပါတယ်", "ပြန်တွေ့မယ်",
	}
	myEscalation = []string{
		"လူသားနဲ့ပြောချင်ပါတယ်", "လူသားနဲ့ပြောချင်တယ်", "လူနဲ့ပြောချင်ပါတယ်",
		"ဝန်ထမ်းနဲ့ပြောချင်ပါတယ်", "ဝန်ထမ်းနဲ့ပြောချင်တယ်", "မန်နေဂျာနဲ့ပြောချင်ပါတယ်",
	}
)

// PatternMatcher detects greetings, farewells and explicit requests for a
// human in English and Myanmar. It performs no I/O.
type PatternMatcher struct{}

// NewPatternMatcher returns a PatternMatcher.
func NewPatternMatcher() *PatternMatcher {
	return &PatternMatcher{}
}

// Match classifies text. Escalation phrases from both languages are always
// checked; a hit is authoritative and reported with confidence 1.0.
func (m *PatternMatcher) Match(text, languageHint string) PatternResult {
	norm := normalize(text)
	if norm == "" {
		return PatternResult{}
	}

	var res PatternResult
	if matchesAny(norm, enEscalation) || containsAny(norm, myEscalation) {
		res.IsEscalationRequest = true
		res.Confidence = 1.0
	}

	var greetHits, byeHits int
	var one, many float64
	if languageHint == LangMyanmar {
		greetHits, byeHits = countContains(norm, myGreeting), countContains(norm, myFarewell)
		one, many = 0.7, 0.9
	} else {
		greetHits, byeHits = countMatches(norm, enGreeting), countMatches(norm, enFarewell)
		one, many = 0.8, 0.95
	}
	res.IsGreeting = greetHits > 0
	res.IsFarewell = byeHits > 0

	if !res.IsEscalationRequest {
		hits := greetHits
		if byeHits > hits {
			hits = byeHits
		}
		switch {
		case hits >= 2:
			res.Confidence = many
		case hits == 1:
			res.Confidence = one
		}
		if hits > 0 && len(strings.Fields(norm)) > shortMessageWords {
			res.Confidence /= 2
		}
	}
	return res
}

func normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

func matchesAny(s string, res []*regexp.Regexp) bool {
	return countMatches(s, res) > 0
}

func countMatches(s string, res []*regexp.Regexp) int {
	n := 0
	for _, re := range res {
		if re.MatchString(s) {
			n++
		}
	}
	return n
}

func containsAny(s string, phrases []string) bool {
	return countContains(s, phrases) > 0
}

func countContains(s string, phrases []string) int {
	n := 0
	for _, p := range phrases {
		if strings.Contains(s, p) {
			n++
		}
	}
	return n
}
