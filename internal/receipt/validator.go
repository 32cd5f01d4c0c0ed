// Package receipt turns text extracted from a purchase receipt into a
// verdict: whether the receipt pays the expected amount, was issued inside the
// accepted date window, and which receipt number (if any) it carries.
//
// The validator is pure. It never reads the wall clock; callers pass the
// reference time, which keeps verdicts reproducible in tests and replays.
package receipt

import (
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Failure reasons reported in Validation.Reason.
const (
	ReasonAmount = "amount check failed"
	ReasonDate   = "date check failed"
	ReasonOK     = "receipt validated"
)

// DateLayout is the Go layout of the receipt timestamp after separators have
// been normalized to ':'.
const DateLayout = "02.01.2006 15:04:05"

// Validation is the verdict for a single receipt text.
// ReceiptID is empty when the receipt carries no recognizable number.
type Validation struct {
	Valid     bool
	Reason    string
	ReceiptID string
}

// Rules configures what the validator accepts.
type Rules struct {
	// AmountLiterals are exact renderings of the expected amount.
	AmountLiterals []string
	// AmountPattern is the tolerant fallback for amount renderings.
	AmountPattern *regexp.Regexp
	// DatePattern must capture the timestamp in group 1.
	DatePattern *regexp.Regexp
	// ReceiptIDPattern must capture the receipt number in group 1.
	ReceiptIDPattern *regexp.Regexp
	// Window is the accepted distance between receipt time and now, both ways.
	Window time.Duration
	// Location is the time zone receipt timestamps are printed in.
	Location *time.Location
}

// Default rule sources, also used as configuration defaults.
const (
	DefaultAmountPattern    = `(?:^|[^\d])4[ ,]?99\s?₸`
	DefaultDatePattern      = `(?is)Дата\s*\S*\s*время[\s\S]*?(\d{2}\.\d{2}\.\d{4}\s*\d{2}[:.]\d{2}[:.]\d{2})`
	DefaultReceiptIDPattern = `(?i)№\s?чека\s?(QR\d+)`
)

// DefaultAmountLiterals are the exact renderings of 499 ₸.
var DefaultAmountLiterals = []string{"4 99 ₸", "499 ₸", "4,99 ₸"}

var (
	defaultAmountPattern    = regexp.MustCompile(DefaultAmountPattern)
	defaultDatePattern      = regexp.MustCompile(DefaultDatePattern)
	defaultReceiptIDPattern = regexp.MustCompile(DefaultReceiptIDPattern)
	timeSepRE               = regexp.MustCompile(`(\d{2})[:.](\d{2})[:.](\d{2})$`)
	spaceRunRE              = regexp.MustCompile(`\s+`)
)

// DefaultRules returns the rules for the 499 ₸ campaign with a ±2 day window.
func DefaultRules() Rules {
	return Rules{
		AmountLiterals:   append([]string(nil), DefaultAmountLiterals...),
		AmountPattern:    defaultAmountPattern,
		DatePattern:      defaultDatePattern,
		ReceiptIDPattern: defaultReceiptIDPattern,
		Window:           48 * time.Hour,
		Location:         time.UTC,
	}
}

// Validator applies Rules to receipt text. The zero value is not usable;
// construct with NewValidator.
type Validator struct {
	rules Rules
}

// NewValidator fills unset rule fields from DefaultRules.
func NewValidator(r Rules) *Validator {
	def := DefaultRules()
	if len(r.AmountLiterals) == 0 {
		r.AmountLiterals = def.AmountLiterals
	}
	if r.AmountPattern == nil {
		r.AmountPattern = def.AmountPattern
	}
	if r.DatePattern == nil {
		r.DatePattern = def.DatePattern
	}
	if r.ReceiptIDPattern == nil {
		r.ReceiptIDPattern = def.ReceiptIDPattern
	}
	if r.Window <= 0 {
		r.Window = def.Window
	}
	if r.Location == nil {
		r.Location = def.Location
	}
	return &Validator{rules: r}
}

// Validate checks amount, then date, then extracts the receipt id. The first
// failing check decides the reason.
func (v *Validator) Validate(text string, now time.Time) Validation {
	text = normalize(text)

	if !v.amountOK(text) {
		return Validation{Valid: false, Reason: ReasonAmount}
	}
	if !v.dateOK(text, now) {
		return Validation{Valid: false, Reason: ReasonDate}
	}
	return Validation{Valid: true, Reason: ReasonOK, ReceiptID: v.receiptID(text)}
}

// normalize composes the text to NFC and maps Unicode space separators (no-break
// space, narrow no-break space) to ASCII space; RE2's \s is ASCII-only. NFKC is
// not used because it rewrites "№" to "No".
func normalize(text string) string {
	return strings.Map(func(r rune) rune {
		if r != ' ' && unicode.Is(unicode.Zs, r) {
			return ' '
		}
		return r
	}, norm.NFC.String(text))
}

func (v *Validator) amountOK(text string) bool {
	for _, lit := range v.rules.AmountLiterals {
		if containsAmount(text, lit) {
			return true
		}
	}
	return v.rules.AmountPattern.MatchString(text)
}

// containsAmount reports whether lit occurs in text not preceded by a digit,
// so "499 ₸" does not match inside "1499 ₸".
func containsAmount(text, lit string) bool {
	if lit == "" {
		return false
	}
	for off := 0; ; {
		i := strings.Index(text[off:], lit)
		if i < 0 {
			return false
		}
		at := off + i
		if prev, _ := utf8.DecodeLastRuneInString(text[:at]); !unicode.IsDigit(prev) {
			return true
		}
		_, size := utf8.DecodeRuneInString(text[at:])
		off = at + size
	}
}

func (v *Validator) dateOK(text string, now time.Time) bool {
	ts, ok := v.ExtractTimestamp(text)
	if !ok {
		return false
	}
	lo := now.Add(-v.rules.Window)
	hi := now.Add(v.rules.Window)
	return !ts.Before(lo) && !ts.After(hi)
}

// ExtractTimestamp finds the labeled receipt timestamp and parses it in the
// configured location. It reports false when the label is missing or the
// value is not a real calendar time (e.g. 31.02).
func (v *Validator) ExtractTimestamp(text string) (time.Time, bool) {
	m := v.rules.DatePattern.FindStringSubmatch(normalize(text))
	if len(m) < 2 {
		return time.Time{}, false
	}
	raw := strings.TrimSpace(m[1])
	raw = timeSepRE.ReplaceAllString(raw, "$1:$2:$3")
	// "01.02.2025 10:00:00" and "01.02.202510:00:00" both normalize to one space.
	if len(raw) >= 10 {
		raw = raw[:10] + " " + strings.TrimSpace(raw[10:])
	}
	raw = spaceRunRE.ReplaceAllString(raw, " ")
	ts, err := time.ParseInLocation(DateLayout, raw, v.rules.Location)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func (v *Validator) receiptID(text string) string {
	m := v.rules.ReceiptIDPattern.FindStringSubmatch(text)
	if len(m) < 2 {
		return ""
	}
	return strings.ToUpper(m[1])
}
