// Copyright 2024-2026 Aiku AI

// Package matrixfmt converts Matrix HTML to Mattermost markdown.
package matrixfmt

import (
	"html"
	"regexp"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/id"
)

var (
	strongRe     = regexp.MustCompile(`(?s)<(?:strong|b)>(.*?)</(?:strong|b)>`)
	emRe         = regexp.MustCompile(`(?s)<(?:em|i)>(.*?)</(?:em|i)>`)
	delRe        = regexp.MustCompile(`(?s)<(?:del|s|strike)>(.*?)</(?:del|s|strike)>`)
	codeRe       = regexp.MustCompile(`(?s)<code>(.*?)</code>`)
	preRe        = regexp.MustCompile(`(?s)<pre><code(?: class="language-([\w+-]+)")?>(.*?)</code></pre>`)
	linkRe       = regexp.MustCompile(`(?s)<a href="([^"]+)"[^>]*>(.*?)</a>`)
	brRe         = regexp.MustCompile(`<br\s*/?>`)
	blockquoteRe = regexp.MustCompile(`(?s)<blockquote>(.*?)</blockquote>`)
	headingRe    = regexp.MustCompile(`(?s)<h([1-6])>(.*?)</h[1-6]>`)
	ulRe         = regexp.MustCompile(`(?s)<ul>(.*?)</ul>`)
	olRe         = regexp.MustCompile(`(?s)<ol(?: start="(\d+)")?>(.*?)</ol>`)
	liRe         = regexp.MustCompile(`(?s)<li>(.*?)</li>`)
	pRe          = regexp.MustCompile(`(?s)<p>(.*?)</p>`)
	replyRe      = regexp.MustCompile(`(?s)<mx-reply>.*?</mx-reply>`)
	tagRe        = regexp.MustCompile(`<[^>]+>`)
	blankLinesRe = regexp.MustCompile(`\n{3,}`)
)

// MentionFunc maps a mentioned Matrix user to a Mattermost username. It
// returns false for users that have no Mattermost account.
type MentionFunc func(userID id.UserID) (string, bool)

// Parse converts a Matrix body to Mattermost markdown. The plain body is
// returned as is when there is no HTML.
func Parse(body, formatted string) string {
	return ParseWithMentions(body, formatted, nil)
}

// ParseWithMentions is Parse with user pills converted to @mentions.
func ParseWithMentions(body, formatted string, mentions MentionFunc) string {
	if formatted == "" {
		return body
	}
	text := replyRe.ReplaceAllString(formatted, "")

	var blocks []string
	text = preRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := preRe.FindStringSubmatch(match)
		blocks = append(blocks, "```"+parts[1]+"\n"+strings.TrimSuffix(html.UnescapeString(parts[2]), "\n")+"\n```")
		return "\x00BLOCK" + strconv.Itoa(len(blocks)-1) + "\x00"
	})
	text = codeRe.ReplaceAllString(text, "`$1`")

	text = strongRe.ReplaceAllString(text, "**$1**")
	text = emRe.ReplaceAllString(text, "_${1}_")
	text = delRe.ReplaceAllString(text, "~~$1~~")

	text = linkRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := linkRe.FindStringSubmatch(match)
		href, label := parts[1], parts[2]
		if mentions != nil {
			if uri, err := id.ParseMatrixURIOrMatrixToURL(html.UnescapeString(href)); err == nil && uri.Sigil1 == '@' {
				if username, ok := mentions(uri.UserID()); ok {
					return "@" + username
				}
				return label
			}
		}
		if href == label {
			return href
		}
		return "[" + label + "](" + href + ")"
	})

	text = headingRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := headingRe.FindStringSubmatch(match)
		level, _ := strconv.Atoi(parts[1])
		return strings.Repeat("#", level) + " " + strings.TrimSpace(parts[2]) + "\n"
	})

	text = blockquoteRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := blockquoteRe.FindStringSubmatch(match)
		inner := pRe.ReplaceAllString(parts[1], "$1\n")
		inner = brRe.ReplaceAllString(inner, "\n")
		lines := strings.Split(strings.TrimSpace(inner), "\n")
		for i, line := range lines {
			lines[i] = "> " + strings.TrimSpace(line)
		}
		return strings.Join(lines, "\n") + "\n"
	})

	text = ulRe.ReplaceAllStringFunc(text, func(match string) string {
		var result []string
		for _, item := range liRe.FindAllStringSubmatch(match, -1) {
			result = append(result, "- "+strings.TrimSpace(item[1]))
		}
		return strings.Join(result, "\n") + "\n"
	})

	text = olRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := olRe.FindStringSubmatch(match)
		start := 1
		if parts[1] != "" {
			start, _ = strconv.Atoi(parts[1])
		}
		var result []string
		for i, item := range liRe.FindAllStringSubmatch(parts[2], -1) {
			result = append(result, strconv.Itoa(start+i)+". "+strings.TrimSpace(item[1]))
		}
		return strings.Join(result, "\n") + "\n"
	})

	text = pRe.ReplaceAllString(text, "$1\n\n")
	text = brRe.ReplaceAllString(text, "\n")
	text = tagRe.ReplaceAllString(text, "")
	text = html.UnescapeString(text)

	for i, block := range blocks {
		text = strings.Replace(text, "\x00BLOCK"+strconv.Itoa(i)+"\x00", block+"\n", 1)
	}
	text = blankLinesRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
