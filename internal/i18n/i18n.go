// Package i18n selects the message printer for CLI output from the
// environment locale. Numbers in reports are grouped the way the operator's
// locale expects.
package i18n

import (
	"os"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// DefaultLang is the fallback language
var DefaultLang = language.English

// SupportedLangs are the languages we support
var SupportedLangs = []language.Tag{
	language.English,
	language.German,
}

var matcher = language.NewMatcher(SupportedLangs)

// MatchLanguage maps a POSIX locale such as "de_DE.UTF-8" to the closest
// supported language. Unparseable or empty locales fall back to DefaultLang.
func MatchLanguage(locale string) language.Tag {
	if i := strings.IndexAny(locale, ".@"); i != -1 {
		locale = locale[:i]
	}
	locale = strings.ReplaceAll(locale, "_", "-")
	if locale == "" || locale == "C" || locale == "POSIX" {
		return DefaultLang
	}

	tag, err := language.Parse(locale)
	if err != nil {
		return DefaultLang
	}
	_, idx, conf := matcher.Match(tag)
	if conf == language.No {
		return DefaultLang
	}
	return SupportedLangs[idx]
}

// NewPrinter returns a message printer for the given language
func NewPrinter(tag language.Tag) *message.Printer {
	return message.NewPrinter(tag)
}

// NewCLIPrinter returns a printer for the system's locale (from env vars)
func NewCLIPrinter() *message.Printer {
	lang := os.Getenv("LC_ALL")
	if lang == "" {
		lang = os.Getenv("LC_MESSAGES")
	}
	if lang == "" {
		lang = os.Getenv("LANG")
	}
	return message.NewPrinter(MatchLanguage(lang))
}
