// Package transcript normalizes recognized speech and reads and writes the
// pipe-delimited transcript manifest of a voice dataset.
package transcript

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

const (
	// NumberBaseTen represents the base for decimal number system.
	NumberBaseTen = 10
	// NumberBaseTwenty represents the boundary for teen numbers.
	NumberBaseTwenty = 20
	// NumberBaseHundred represents the base for hundreds.
	NumberBaseHundred = 100
	// NumberBaseThousand represents the base for thousands.
	NumberBaseThousand = 1000
	// MaxNumberForWords represents the maximum number that can be converted to words.
	MaxNumberForWords = 999999
)

// Regex patterns for text normalization.
const (
	numberRegexPattern     = `\d+`
	whitespaceRegexPattern = `\s+`
)

// Punctuation constants.
const (
	emDash       = "—"
	enDash       = "–"
	figureDash   = "‒"
	ellipsis     = "..."
	ellipsisChar = "…"
)

// Normalizer turns recognizer output into the spoken-form text the trainer
// expects in the third manifest column.
type Normalizer struct {
	numberPattern        *regexp.Regexp
	whitespacePattern    *regexp.Regexp
	abbreviationReplacer *strings.Replacer
	punctuationReplacer  *strings.Replacer
	numbers              *numberConverter
}

// NewNormalizer creates a normalizer with compiled patterns and replacers.
func NewNormalizer() *Normalizer {
	abbreviations := []string{
		"Mr.", "Mister",
		"Mrs.", "Misses",
		"Ms.", "Miss",
		"Dr.", "Doctor",
		"St.", "Saint",
		"Co.", "Company",
		"Ltd.", "Limited",
		"Corp.", "Corporation",
		"Inc.", "Incorporated",
		"&", " and ",
		"%", " percent",
	}

	return &Normalizer{
		numberPattern:        regexp.MustCompile(numberRegexPattern),
		whitespacePattern:    regexp.MustCompile(whitespaceRegexPattern),
		abbreviationReplacer: strings.NewReplacer(abbreviations...),
		punctuationReplacer: strings.NewReplacer(
			emDash, ", ",
			enDash, "-",
			figureDash, "-",
			ellipsisChar, ellipsis,
			"“", `"`, "”", `"`,
			"‘", "'", "’", "'",
			Delimiter, " ",
		),
		numbers: newNumberConverter(),
	}
}

// Normalize expands abbreviations and numbers, unifies quotes and dashes,
// collapses repeated punctuation and whitespace.
func (n *Normalizer) Normalize(text string) string {
	if text == "" {
		return text
	}

	normalized := n.abbreviationReplacer.Replace(text)
	normalized = n.numberPattern.ReplaceAllStringFunc(normalized, func(digits string) string {
		num, err := strconv.Atoi(digits)
		if err != nil {
			return digits
		}

		return n.numbers.toWords(num)
	})
	normalized = n.punctuationReplacer.Replace(normalized)
	normalized = collapsePunctuation(normalized)
	normalized = n.whitespacePattern.ReplaceAllString(normalized, " ")

	return strings.TrimSpace(normalized)
}

// collapsePunctuation keeps the first mark of a run of identical marks,
// except for the three dots of an ellipsis.
func collapsePunctuation(text string) string {
	var (
		result strings.Builder
		last   rune
		run    int
	)

	for _, char := range text {
		if unicode.IsPunct(char) && char == last {
			run++
			if char != '.' || run > 2 {
				continue
			}
		} else {
			run = 0
		}

		result.WriteRune(char)
		last = char
	}

	return result.String()
}

type numberConverter struct {
	ones  []string
	teens []string
	tens  []string
}

func newNumberConverter() *numberConverter {
	return &numberConverter{
		ones: []string{
			"", "one", "two", "three", "four", "five",
			"six", "seven", "eight", "nine",
		},
		teens: []string{
			"ten", "eleven", "twelve", "thirteen", "fourteen",
			"fifteen", "sixteen", "seventeen", "eighteen", "nineteen",
		},
		tens: []string{
			"", "", "twenty", "thirty", "forty", "fifty",
			"sixty", "seventy", "eighty", "ninety",
		},
	}
}

func (nc *numberConverter) underHundred(num int) string {
	switch {
	case num < NumberBaseTen:
		return nc.ones[num]
	case num < NumberBaseTwenty:
		return nc.teens[num-NumberBaseTen]
	case num%NumberBaseTen == 0:
		return nc.tens[num/NumberBaseTen]
	default:
		return nc.tens[num/NumberBaseTen] + " " + nc.ones[num%NumberBaseTen]
	}
}

func (nc *numberConverter) underThousand(num int) string {
	hundreds := num / NumberBaseHundred
	remainder := num % NumberBaseHundred

	switch {
	case hundreds == 0:
		return nc.underHundred(remainder)
	case remainder == 0:
		return nc.ones[hundreds] + " hundred"
	default:
		return nc.ones[hundreds] + " hundred " + nc.underHundred(remainder)
	}
}

// toWords spells out 0..MaxNumberForWords; larger numbers stay as digits.
func (nc *numberConverter) toWords(number int) string {
	if number < 0 || number > MaxNumberForWords {
		return strconv.Itoa(number)
	}

	if number == 0 {
		return "zero"
	}

	var parts []string

	thousands := number / NumberBaseThousand
	if thousands > 0 {
		parts = append(parts, nc.underThousand(thousands)+" thousand")
	}

	remainder := number % NumberBaseThousand
	if remainder > 0 {
		parts = append(parts, nc.underThousand(remainder))
	}

	return strings.Join(parts, " ")
}
