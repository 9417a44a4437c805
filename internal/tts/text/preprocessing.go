// Package text prepares narration text for speech synthesis and parses
// dialogue scripts into per-character lines.
package text

import (
	"bufio"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Regex patterns for text preprocessing.
const (
	urlRegexPattern        = `https?://\S+`
	emailRegexPattern      = `[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`
	referenceRegexPattern  = `(?:\[\d+\]|[¹²³⁴⁵⁶⁷⁸⁹⁰]+)`
	citationRegexPattern   = `\([^)]*\d{4}[^)]*\)`
	whitespaceRegexPattern = `\s+`
	dialogueRegexPattern   = `^\s*\[([^\]]+)\]\s*:\s*(.+?)\s*$`
)

const placeholderPattern = "\x00%d\x00"

// Punctuation and formatting constants.
const (
	emDash       = "—"
	enDash       = "–"
	figureDash   = "‒"
	ellipsis     = "..."
	ellipsisChar = "…"
)

// ErrEmptyScript is returned when a script contains no speakable lines.
var ErrEmptyScript = errors.New("script contains no lines")

// DialogueLine is one spoken line of a script. An empty Character marks
// narration.
type DialogueLine struct {
	Character string
	Text      string
}

// Preprocessor cleans narration text before it is sent to the voice model.
type Preprocessor struct {
	urlPattern           *regexp.Regexp
	emailPattern         *regexp.Regexp
	referencePattern     *regexp.Regexp
	citationPattern      *regexp.Regexp
	whitespacePattern    *regexp.Regexp
	dialoguePattern      *regexp.Regexp
	abbreviationReplacer *strings.Replacer
	quoteReplacer        *strings.Replacer
}

// NewPreprocessor creates a Preprocessor with compiled patterns.
func NewPreprocessor() *Preprocessor {
	abbreviations := []string{
		"Sra.", "Señora",
		"Srta.", "Señorita",
		"Sr.", "Señor",
		"Dra.", "Doctora",
		"Dr.", "Doctor",
		"Mr.", "Mister",
		"Mrs.", "Misses",
	}

	return &Preprocessor{
		urlPattern:           regexp.MustCompile(urlRegexPattern),
		emailPattern:         regexp.MustCompile(emailRegexPattern),
		referencePattern:     regexp.MustCompile(referenceRegexPattern),
		citationPattern:      regexp.MustCompile(citationRegexPattern),
		whitespacePattern:    regexp.MustCompile(whitespaceRegexPattern),
		dialoguePattern:      regexp.MustCompile(dialogueRegexPattern),
		abbreviationReplacer: strings.NewReplacer(abbreviations...),
		quoteReplacer: strings.NewReplacer(
			emDash, "-",
			enDash, "-",
			figureDash, "-",
			ellipsisChar, ellipsis,
			"“", `"`, "”", `"`,
			"‘", "'", "’", "'",
			"«", `"`, "»", `"`,
		),
	}
}

// Clean normalizes text for narration. It expands common abbreviations,
// drops reference markers and citations, collapses whitespace and repeated
// punctuation, and makes sure the text ends a sentence.
func (p *Preprocessor) Clean(input string) string {
	if strings.TrimSpace(input) == "" {
		return ""
	}

	normalized := p.abbreviationReplacer.Replace(input)
	preserved, placeholders := p.preserveTokens(normalized)

	cleaned := p.referencePattern.ReplaceAllString(preserved, "")
	cleaned = p.citationPattern.ReplaceAllString(cleaned, "")
	cleaned = p.quoteReplacer.Replace(cleaned)
	cleaned = collapseRepeatedPunctuation(cleaned)
	cleaned = strings.TrimSpace(p.whitespacePattern.ReplaceAllString(cleaned, " "))

	return ensureSentenceEnding(p.restoreTokens(cleaned, placeholders))
}

// ParseDialogue splits a script into lines. Lines of the form
// `[Character]: "text"` are attributed to Character; any other non-blank
// line is narration.
func (p *Preprocessor) ParseDialogue(script string) ([]DialogueLine, error) {
	var lines []DialogueLine

	scanner := bufio.NewScanner(strings.NewReader(script))
	scanner.Buffer(make([]byte, 0, bufio.MaxScanTokenSize), len(script)+1)

	for scanner.Scan() {
		raw := scanner.Text()
		if strings.TrimSpace(raw) == "" {
			continue
		}

		line := DialogueLine{Text: raw}

		match := p.dialoguePattern.FindStringSubmatch(raw)
		if match != nil {
			line.Character = strings.TrimSpace(match[1])
			line.Text = strings.Trim(strings.TrimSpace(match[2]), `"“”«»`)
		}

		line.Text = p.Clean(line.Text)
		if line.Text == "" {
			continue
		}

		lines = append(lines, line)
	}

	err := scanner.Err()
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}

	if len(lines) == 0 {
		return nil, ErrEmptyScript
	}

	return lines, nil
}

// preserveTokens swaps URLs and emails for placeholders so cleaning does not
// corrupt them.
func (p *Preprocessor) preserveTokens(input string) (string, map[string]string) {
	placeholders := make(map[string]string)
	counter := 0

	replace := func(match string) string {
		placeholder := fmt.Sprintf(placeholderPattern, counter)
		placeholders[placeholder] = match
		counter++

		return placeholder
	}

	input = p.urlPattern.ReplaceAllStringFunc(input, replace)
	input = p.emailPattern.ReplaceAllStringFunc(input, replace)

	return input, placeholders
}

func (p *Preprocessor) restoreTokens(input string, placeholders map[string]string) string {
	for placeholder, original := range placeholders {
		input = strings.ReplaceAll(input, placeholder, original)
	}

	return input
}

// collapseRepeatedPunctuation reduces runs of the same punctuation mark to a
// single mark. Runs of three or more dots stay an ellipsis.
func collapseRepeatedPunctuation(input string) string {
	var builder strings.Builder

	builder.Grow(len(input))

	runes := []rune(input)

	for index := 0; index < len(runes); {
		char := runes[index]

		if !unicode.IsPunct(char) {
			builder.WriteRune(char)
			index++

			continue
		}

		end := index
		for end < len(runes) && runes[end] == char {
			end++
		}

		if char == '.' && end-index >= len(ellipsis) {
			builder.WriteString(ellipsis)
		} else {
			builder.WriteRune(char)
		}

		index = end
	}

	return builder.String()
}

func ensureSentenceEnding(input string) string {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return ""
	}

	lastChar, _ := utf8.DecodeLastRuneInString(trimmed)

	switch lastChar {
	case '.', '!', '?', '"', '\'':
		return trimmed
	default:
		return trimmed + "."
	}
}
