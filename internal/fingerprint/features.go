package fingerprint

import (
	"math"
	"strings"
	"unicode"
)

// Normalization caps for unbounded counts. Outputs longer than these are
// saturated rather than rescaled so one huge response cannot dwarf the rest
// of the vector.
const (
	maxChars       = 4000.0
	maxTokens      = 600.0
	maxWordLen     = 12.0
	maxSentences   = 40.0
	maxSentenceLen = 40.0
	maxQuestions   = 10.0
	maxInlineCode  = 10.0
	maxURLs        = 5.0
	maxLineLen     = 120.0
	maxEntropyBits = 8.0
	maxDriftDim    = 32.0
)

var hedgeWords = wordSet("maybe", "perhaps", "might", "possibly", "unclear",
	"unsure", "likely", "probably", "seems", "appears", "roughly", "somewhat")

var certaintyWords = wordSet("definitely", "certainly", "always", "never",
	"clearly", "obviously", "must", "guaranteed", "absolutely", "undoubtedly")

var toolWords = wordSet("read", "write", "exec", "execute", "search", "fetch",
	"query", "grep", "compile", "deploy", "install", "curl", "git", "sql")

var firstPersonWords = wordSet("i", "me", "my", "mine", "we", "us", "our")

var secondPersonWords = wordSet("you", "your", "yours")

var negationWords = wordSet("not", "no", "never", "cannot", "cant", "wont",
	"dont", "didnt", "isnt", "arent", "couldnt", "shouldnt")

var refusalWords = wordSet("refuse", "refused", "unable", "decline", "declined", "forbidden")

var apologyWords = wordSet("sorry", "apologize", "apologies", "regret")

var errorWords = wordSet("error", "errors", "fail", "failed", "failure",
	"exception", "crash", "crashed", "broken", "bug")

var successWords = wordSet("done", "completed", "complete", "success",
	"successful", "passed", "fixed", "resolved", "works", "working")

var politenessWords = wordSet("please", "thanks", "thank", "kindly")

var fillerWords = wordSet("just", "really", "very", "actually", "basically",
	"simply", "literally")

var conjunctionWords = wordSet("and", "but", "or", "because", "so", "however",
	"although", "though")

var temporalWords = wordSet("now", "then", "before", "after", "while", "when",
	"during", "until", "since")

var questionWords = wordSet("what", "how", "why", "when", "where", "which", "who")

var modalWords = wordSet("can", "could", "should", "would", "may", "might", "shall", "will")

func wordSet(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

// linguisticFeatures computes the 20 surface features of the output text.
func linguisticFeatures(text string) []float64 {
	f := make([]float64, lingCount)
	if text == "" {
		return f
	}

	runes := []rune(text)
	nChars := float64(len(runes))

	var letters, uppers, digits, spaces, puncts, commas, exclaims float64
	for _, r := range runes {
		switch {
		case unicode.IsLetter(r):
			letters++
			if unicode.IsUpper(r) {
				uppers++
			}
		case unicode.IsDigit(r):
			digits++
		case unicode.IsSpace(r):
			spaces++
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			puncts++
		}
		switch r {
		case ',':
			commas++
		case '!':
			exclaims++
		}
	}

	toks := tokens(text)
	nTokens := float64(len(toks))

	var totalWordLen float64
	unique := make(map[string]struct{}, len(toks))
	for _, tok := range toks {
		totalWordLen += float64(len(tok))
		unique[tok] = struct{}{}
	}

	sentences := countSentences(text)
	questions := float64(strings.Count(text, "?"))

	lines := strings.Split(text, "\n")
	var blankLines, listLines, totalLineLen float64
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			blankLines++
			continue
		}
		totalLineLen += float64(len(line))
		if strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* ") || hasOrderedMarker(trimmed) {
			listLines++
		}
	}
	nLines := float64(len(lines))
	nonBlank := nLines - blankLines

	f[0] = math.Min(1, nChars/maxChars)
	f[1] = math.Min(1, nTokens/maxTokens)
	if nTokens > 0 {
		f[2] = math.Min(1, (totalWordLen/nTokens)/maxWordLen)
	}
	f[3] = math.Min(1, float64(sentences)/maxSentences)
	if sentences > 0 {
		f[4] = math.Min(1, (nTokens/float64(sentences))/maxSentenceLen)
	}
	f[5] = puncts / nChars
	f[6] = commas / nChars
	f[7] = math.Min(1, questions/maxQuestions)
	f[8] = exclaims / nChars
	if letters > 0 {
		f[9] = uppers / letters
	}
	f[10] = digits / nChars
	f[11] = spaces / nChars
	if strings.Contains(text, "```") {
		f[12] = 1
	}
	f[13] = math.Min(1, float64(strings.Count(text, "`"))/maxInlineCode)
	if nonBlank > 0 {
		f[14] = listLines / nonBlank
	}
	f[15] = math.Min(1, float64(strings.Count(text, "http://")+strings.Count(text, "https://"))/maxURLs)
	if nTokens > 0 {
		f[16] = float64(len(unique)) / nTokens
	}
	if nonBlank > 0 {
		f[17] = math.Min(1, (totalLineLen/nonBlank)/maxLineLen)
	}
	if nLines > 0 {
		f[18] = blankLines / nLines
	}
	f[19] = charEntropy(runes) / maxEntropyBits

	return f
}

// behavioralFeatures computes the 20 lexical behavior rates. Each is a
// per-token frequency, so the signal survives changes in response length.
func behavioralFeatures(text string) []float64 {
	f := make([]float64, behaviorCount)
	toks := tokens(text)
	n := float64(len(toks))
	if n == 0 {
		return f
	}

	rates := []map[string]struct{}{
		hedgeWords,        // 0
		certaintyWords,    // 1
		toolWords,         // 2
		firstPersonWords,  // 3
		secondPersonWords, // 4
		negationWords,     // 5
		refusalWords,      // 6
		apologyWords,      // 7
		errorWords,        // 8
		successWords,      // 9
		politenessWords,   // 10
		fillerWords,       // 11
		conjunctionWords,  // 12
		temporalWords,     // 13
		questionWords,     // 14
		modalWords,        // 15
	}
	for _, tok := range toks {
		for i, set := range rates {
			if _, ok := set[tok]; ok {
				f[i]++
			}
		}
	}
	for i := range rates {
		f[i] /= n
	}

	var numeric, caps float64
	for _, tok := range toks {
		if isNumeric(tok) {
			numeric++
		}
	}
	for _, field := range strings.Fields(text) {
		if len(field) > 1 && field == strings.ToUpper(field) && hasLetter(field) {
			caps++
		}
	}
	f[16] = numeric / n
	f[17] = math.Min(1, caps/n)

	var repeats float64
	for i := 1; i < len(toks); i++ {
		if toks[i] == toks[i-1] {
			repeats++
		}
	}
	f[18] = repeats / n

	f[19] = math.Min(1, n/maxTokens)

	return f
}

// driftFeatures computes the 18 drift-derived components: summary statistics
// of the drift vector followed by an 8-bucket histogram of |delta| over [0, 1].
func driftFeatures(drift []float64) []float64 {
	f := make([]float64, driftFeatCount)
	n := float64(len(drift))
	if n == 0 {
		return f
	}

	var sumSq, sumAbs, maxAbs, sum float64
	var pos, neg, zero float64
	for _, d := range drift {
		a := math.Abs(d)
		sumSq += d * d
		sumAbs += a
		sum += d
		if a > maxAbs {
			maxAbs = a
		}
		switch {
		case d > 0:
			pos++
		case d < 0:
			neg++
		default:
			zero++
		}
	}
	meanSq := sumSq / n
	mean := sum / n

	var variance float64
	for _, d := range drift {
		variance += (d - mean) * (d - mean)
	}
	variance /= n

	f[0] = math.Min(1, meanSq)
	f[1] = math.Min(1, maxAbs)
	f[2] = math.Min(1, sumAbs/n)
	f[3] = math.Min(1, math.Sqrt(meanSq))
	f[4] = math.Min(1, n/maxDriftDim)
	f[5] = pos / n
	f[6] = neg / n
	f[7] = zero / n
	f[8] = math.Min(1, math.Sqrt(variance))
	f[9] = clamp01(0.5 + mean/2)

	for _, d := range drift {
		bucket := int(math.Abs(d) * 8)
		if bucket > 7 {
			bucket = 7
		}
		f[10+bucket]++
	}
	for i := 10; i < driftFeatCount; i++ {
		f[i] /= n
	}

	return f
}

func tokens(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func countSentences(text string) int {
	count := 0
	for _, r := range text {
		if r == '.' || r == '!' || r == '?' {
			count++
		}
	}
	return count
}

func hasOrderedMarker(line string) bool {
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	return i > 0 && i < len(line) && (line[i] == '.' || line[i] == ')')
}

func isNumeric(tok string) bool {
	for _, r := range tok {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return len(tok) > 0
}

func hasLetter(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

// charEntropy is the Shannon entropy of the rune distribution, in bits.
func charEntropy(runes []rune) float64 {
	if len(runes) == 0 {
		return 0
	}
	counts := make(map[rune]int)
	for _, r := range runes {
		counts[r]++
	}
	n := float64(len(runes))
	var h float64
	for _, c := range counts {
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}
