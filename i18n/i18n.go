// Package i18n translates mvkit's own user-facing strings.
//
// Catalogs are gettext .po files embedded from locales/<lang>/LC_MESSAGES/mvkit.po.
// Message IDs are the English strings, so untranslated text passes through.
package i18n

import (
	"embed"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/leonelquinteros/gotext"
)

//go:embed all:locales
var locales embed.FS

const (
	domain      = "mvkit"
	localesRoot = "locales"
	fallback    = "en"
)

// catalog is the lookup subset of *gotext.Locale. Message IDs are plain
// text, never format strings, so no arguments are passed through.
type catalog interface {
	Get(str string, vars ...interface{}) string
	GetN(str, plural string, n int, vars ...interface{}) string
}

var (
	po      catalog
	current = fallback
)

// Init loads the catalog for lang. An empty lang is taken from the
// environment. Languages without a catalog fall back to English.
func Init(lang string) {
	if lang == "" {
		lang = detectLanguage()
	}
	current = resolve(lang)

	l := gotext.NewLocaleFSWithPath(current, locales, localesRoot)
	l.AddDomain(domain)
	l.SetDomain(domain)
	po = l
}

// Language returns the catalog language selected by the last Init.
func Language() string {
	return current
}

// Available lists the embedded catalog languages plus English, sorted.
func Available() []string {
	langs := []string{fallback}
	entries, err := fs.ReadDir(locales, localesRoot)
	if err != nil {
		return langs
	}
	for _, e := range entries {
		if e.IsDir() {
			langs = append(langs, e.Name())
		}
	}
	sort.Strings(langs)
	return langs
}

// resolve maps a locale such as "ru_RU" to an embedded catalog name.
func resolve(lang string) string {
	have := Available()
	for _, cand := range []string{lang, strings.SplitN(lang, "_", 2)[0]} {
		for _, l := range have {
			if strings.EqualFold(l, cand) {
				return l
			}
		}
	}
	return fallback
}

// T translates msgid.
func T(msgid string) string {
	if po == nil {
		return msgid
	}
	return po.Get(msgid)
}

// N picks the plural form of singular/plural for n.
func N(singular, plural string, n int) string {
	if po == nil {
		if n == 1 {
			return singular
		}
		return plural
	}
	return po.GetN(singular, plural, n)
}

// detectLanguage follows gettext precedence: LANGUAGE, LC_ALL, LC_MESSAGES, LANG.
func detectLanguage() string {
	for _, env := range []string{"LANGUAGE", "LC_ALL", "LC_MESSAGES", "LANG"} {
		val := os.Getenv(env)
		if env == "LANGUAGE" {
			val, _, _ = strings.Cut(val, ":")
		}
		val, _, _ = strings.Cut(val, ".")
		val, _, _ = strings.Cut(val, "@")
		if val == "" || val == "C" || val == "POSIX" {
			continue
		}
		return val
	}
	return fallback
}
