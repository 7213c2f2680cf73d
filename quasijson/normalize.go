package quasijson

import (
	"regexp"
	"strings"
)

// Rule is one rewrite step of the normalizer. Rules never fail; a rule that
// finds nothing to rewrite returns its input unchanged.
type Rule struct {
	Name  string
	Apply func(string) string
}

func regexRule(name, pattern, replacement string) Rule {
	re := regexp.MustCompile(pattern)
	return Rule{
		Name: name,
		Apply: func(s string) string {
			return re.ReplaceAllString(s, replacement)
		},
	}
}

// Rule names, in the order Normalize applies them.
const (
	RuleStripPrefix         = "strip-prefix"
	RuleFunctionPlaceholder = "function-placeholder"
	RuleObjectElision       = "object-elision"
	RuleBufferPlaceholder   = "buffer-placeholder"
	RuleTypedArray          = "typed-array"
	RuleClassPrefix         = "class-prefix"
	RuleElidedItems         = "elided-items"
	RuleQuotedString        = "single-quoted-string"
	RuleJSLiteral           = "js-literal"
	RuleTrailingComma       = "trailing-comma"
	RuleUnquotedKey         = "unquoted-key"
)

// valuePos matches the text that may precede a value: a colon, an opening
// bracket or a comma, plus whitespace. It is captured and written back.
const valuePos = `([:\[,]\s*)`

var defaultRules = []Rule{
	{Name: RuleStripPrefix, Apply: stripPrefix},
	regexRule(RuleFunctionPlaceholder,
		`\[(?:Async|Generator|AsyncGenerator)?Function\b[^\]]*\]|\[class [^\]]*\]|\[(?:Getter/Setter|Getter|Setter)\]`,
		"null"),
	{Name: RuleObjectElision, Apply: replaceElisions},
	regexRule(RuleBufferPlaceholder, `<Buffer\b[^<>]*>`, "[]"),
	regexRule(RuleTypedArray,
		`\b(?:(?:Big)?(?:Uint|Int|Float)(?:8|16|32|64)(?:Clamped)?)?Array\(\d+\)\s*\[`,
		"["),
	{Name: RuleClassPrefix, Apply: outsideStrings(removeClassPrefixes)},
	{Name: RuleElidedItems, Apply: outsideStrings(removeElidedItems)},
	{Name: RuleQuotedString, Apply: requoteStrings},
	{Name: RuleJSLiteral, Apply: outsideStrings(replaceJSLiterals)},
	regexRule(RuleTrailingComma, `,(\s*[}\]])`, "${1}"),
	regexRule(RuleUnquotedKey, `([{\s,])(\w+)\s*:`, `${1}"${2}":`),
}

// Rules returns the normalizer's rules in application order.
func Rules() []Rule {
	return append([]Rule(nil), defaultRules...)
}

// Normalize rewrites console-style object dumps into text intended to be
// strict JSON. It is best effort and idempotent.
func Normalize(raw string) string {
	return ApplyRules(raw, defaultRules)
}

// ApplyRules runs rules over raw in order.
func ApplyRules(raw string, rules []Rule) string {
	out := raw
	for _, rule := range rules {
		out = rule.Apply(out)
	}
	if out == "" && raw != "" {
		return raw
	}
	return out
}

func stripPrefix(s string) string {
	if idx := strings.IndexByte(s, '{'); idx > 0 {
		return s[idx:]
	}
	return s
}

var (
	objectElisionPattern = regexp.MustCompile(`\[Object(?: \.\.\.)?\]`)
	arrayElisionPattern  = regexp.MustCompile(`\[Array\]`)
	circularPattern      = regexp.MustCompile(`\[Circular \*\d+\]`)
	refMarkerPattern     = regexp.MustCompile(`<ref \*\d+>\s*`)
)

func replaceElisions(s string) string {
	s = objectElisionPattern.ReplaceAllString(s, "{}")
	s = arrayElisionPattern.ReplaceAllString(s, "[]")
	s = circularPattern.ReplaceAllString(s, "null")
	return refMarkerPattern.ReplaceAllString(s, "")
}

var classPrefixPattern = regexp.MustCompile(valuePos + `[A-Z][\w$]*\s+\{`)

func removeClassPrefixes(s string) string {
	return classPrefixPattern.ReplaceAllString(s, "${1}{")
}

var (
	moreItemsPattern  = regexp.MustCompile(`,?\s*\.\.\. \d+ more items?\b`)
	emptyItemsPattern = regexp.MustCompile(`<\d+ empty items?>`)
)

func removeElidedItems(s string) string {
	s = moreItemsPattern.ReplaceAllString(s, "")
	return emptyItemsPattern.ReplaceAllString(s, "null")
}

var (
	undefinedPattern = regexp.MustCompile(valuePos + `(?:undefined|NaN|-?Infinity)\b`)
	bigIntPattern    = regexp.MustCompile(valuePos + `(-?\d+)n\b`)
	isoDatePattern   = regexp.MustCompile(valuePos + `(\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?Z)`)
)

func replaceJSLiterals(s string) string {
	s = undefinedPattern.ReplaceAllString(s, "${1}null")
	s = bigIntPattern.ReplaceAllString(s, "${1}${2}")
	return isoDatePattern.ReplaceAllString(s, `${1}"${2}"`)
}

// outsideStrings applies fn to the spans of s that lie outside quoted string
// literals. String literals, and everything after an unterminated quote, are
// copied through as is.
func outsideStrings(fn func(string) string) func(string) string {
	return func(s string) string {
		if !strings.ContainsAny(s, "\"'`") {
			return fn(s)
		}

		var b strings.Builder
		b.Grow(len(s))
		start := 0
		for i := 0; i < len(s); i++ {
			switch s[i] {
			case '"', '\'', '`':
			default:
				continue
			}
			end := closingQuote(s, i)
			if end < 0 {
				break
			}
			b.WriteString(fn(s[start:i]))
			b.WriteString(s[i : end+1])
			start = end + 1
			i = end
		}
		if start < len(s) {
			tail := s[start:]
			if q := strings.IndexAny(tail, "\"'`"); q >= 0 && closingQuote(tail, q) < 0 {
				b.WriteString(fn(tail[:q]))
				b.WriteString(tail[q:])
			} else {
				b.WriteString(fn(tail))
			}
		}
		return b.String()
	}
}

// requoteStrings rewrites single-quoted and backtick strings as JSON strings.
// Double-quoted strings are copied through untouched; an unterminated quote
// leaves the rest of the text as is.
func requoteStrings(s string) string {
	if !strings.ContainsAny(s, "'`") {
		return s
	}

	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); {
		c := s[i]
		switch c {
		case '"', '\'', '`':
			end := closingQuote(s, i)
			if end < 0 {
				b.WriteString(s[i:])
				return b.String()
			}
			if c == '"' {
				b.WriteString(s[i : end+1])
			} else {
				writeJSONQuoted(&b, s[i+1:end], c)
			}
			i = end + 1
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}

// closingQuote returns the index of the quote that closes the string opened
// at start, honouring backslash escapes, or -1.
func closingQuote(s string, start int) int {
	quote := s[start]
	for i := start + 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case quote:
			return i
		}
	}
	return -1
}

const hexDigits = "0123456789abcdef"

func writeJSONQuoted(b *strings.Builder, body string, quote byte) {
	b.WriteByte('"')
	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case c == '\\' && i+1 < len(body):
			next := body[i+1]
			switch {
			case next == quote, next == '\'', next == '`':
				b.WriteByte(next)
			case next == 'x' && i+3 < len(body):
				b.WriteString(`\u00`)
				b.WriteString(body[i+2 : i+4])
				i += 2
			default:
				b.WriteByte('\\')
				b.WriteByte(next)
			}
			i++
		case c == '\\':
			b.WriteString(`\\`)
		case c == '"':
			b.WriteString(`\"`)
		case c == '\n':
			b.WriteString(`\n`)
		case c == '\r':
			b.WriteString(`\r`)
		case c == '\t':
			b.WriteString(`\t`)
		case c < 0x20:
			b.WriteString(`\u00`)
			b.WriteByte(hexDigits[c>>4])
			b.WriteByte(hexDigits[c&0xf])
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
}
