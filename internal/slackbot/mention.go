package slackbot

import (
	"regexp"
	"strings"
)

// mentionPattern matches a Slack mention token for a given bot user id,
// e.g. "<@U123ABC>". Stripping uses a regular match on that token, not a
// manual character scan.
func mentionPattern(botUserID string) *regexp.Regexp {
	return regexp.MustCompile(`<@` + regexp.QuoteMeta(botUserID) + `>`)
}

// stripMention removes every occurrence of the bot's mention token from
// text and trims the result.
func stripMention(re *regexp.Regexp, text string) string {
	return strings.TrimSpace(re.ReplaceAllString(text, ""))
}
