package web

import (
	"net/http"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"

	"pastebin/pkg/domain"
)

var supported = []language.Tag{language.Czech, language.English}

var matcher = language.NewMatcher(supported)

// messages maps a key to its Czech and English wording.
var messages = map[string][2]string{
	"ui.title":            {"Pastebin", "Pastebin"},
	"ui.new":              {"Nový paste", "New paste"},
	"ui.content":          {"Obsah", "Content"},
	"ui.code":             {"Kód", "Code"},
	"ui.private":          {"Soukromý", "Private"},
	"ui.password":         {"Heslo", "Password"},
	"ui.submit":           {"Uložit", "Save"},
	"ui.created":          {"Vytvořeno", "Created"},
	"ui.expires":          {"Vyprší", "Expires"},
	"ui.unlock":           {"Zobrazit", "Show"},
	"ui.delete":           {"Smazat", "Delete"},
	"ui.protected":        {"Tento paste je chráněn heslem.", "This paste is protected by a password."},
	"ui.deleted":          {"Paste %s byl smazán.", "Paste %s was deleted."},
	"ui.back":             {"Zpět", "Back"},
	"ui.error":            {"Chyba %d", "Error %d"},
	"err.not_found":       {"Paste nenalezen", "Paste not found"},
	"err.expired":         {"Paste expiroval a byl smazán.", "The paste has expired and was deleted."},
	"err.too_large":       {"Chyba: Maximální velikost paste je %d znaků!", "Error: the maximum paste size is %d characters!"},
	"err.store_full":      {"Chyba: Nedostatek místa v databázi! Nemůžete uložit tak velký paste.", "Error: not enough space in the database! You cannot store a paste this large."},
	"err.request_large":   {"Chyba: Příliš velký požadavek! Maximální velikost paste je %d znaků.", "Error: request too large! The maximum paste size is %d characters."},
	"err.password_long":   {"Chyba: Maximální délka hesla je %d znaků!", "Error: the maximum password length is %d characters!"},
	"err.content_missing": {"Chyba: Paste nesmí být prázdný!", "Error: a paste must not be empty!"},
	"err.invalid":         {"Chyba: Neplatný požadavek.", "Error: invalid request."},
	"err.rate_limited":    {"Překročený limit požadavků! Zkuste to za minutu znovu.", "Request limit exceeded! Try again in a minute."},
	"err.attempts":        {"Překročený limit pokusů zadání hesla. Zkuste to za minutu znovu.", "Too many password attempts. Try again in a minute."},
	"err.bad_view":        {"Nesprávné heslo pro zobrazení.", "Wrong password for viewing."},
	"err.bad_delete":      {"Nesprávné heslo pro smazání.", "Wrong password for deletion."},
	"err.not_deletable":   {"Veřejný paste nelze smazat.", "A public paste cannot be deleted."},
	"err.unavailable":     {"Služba je dočasně nedostupná.", "The service is temporarily unavailable."},
	"err.internal":        {"Interní chyba serveru.", "Internal server error."},
	"err.method":          {"Metoda není povolena.", "Method not allowed."},
}

var errorKeys = map[*domain.Err]string{
	domain.ErrPasteNotFound:     "err.not_found",
	domain.ErrPasteExpired:      "err.expired",
	domain.ErrContentTooLarge:   "err.too_large",
	domain.ErrStoreFull:         "err.store_full",
	domain.ErrRequestTooLarge:   "err.request_large",
	domain.ErrPasswordTooLong:   "err.password_long",
	domain.ErrContentRequired:   "err.content_missing",
	domain.ErrInvalidRequest:    "err.invalid",
	domain.ErrRateLimitExceeded: "err.rate_limited",
	domain.ErrAttemptsExceeded:  "err.attempts",
	domain.ErrInvalidPassword:   "err.bad_view",
	domain.ErrNotDeletable:      "err.not_deletable",
	domain.ErrUnavailable:       "err.unavailable",
	domain.ErrMethodNotAllowed:  "err.method",
}

var cat = buildCatalog()

func buildCatalog() catalog.Catalog {
	b := catalog.NewBuilder(catalog.Fallback(language.Czech))
	for key, m := range messages {
		if err := b.SetString(language.Czech, key, m[0]); err != nil {
			panic(err)
		}
		if err := b.SetString(language.English, key, m[1]); err != nil {
			panic(err)
		}
	}
	return b
}

// localizer picks the language for a request: the Accept-Language header
// when it matches a supported language, fallback otherwise.
type localizer struct {
	fallback language.Tag
}

func newLocalizer(locale string) localizer {
	tag, err := language.Parse(locale)
	if err != nil {
		tag = language.Czech
	}
	_, idx, _ := matcher.Match(tag)
	return localizer{fallback: supported[idx]}
}
func (l localizer) tag(r *http.Request) language.Tag {
	tags, _, err := language.ParseAcceptLanguage(r.Header.Get("Accept-Language"))
	if err != nil || len(tags) == 0 {
		return l.fallback
	}
	_, idx, conf := matcher.Match(tags...)
	if conf == language.No {
		return l.fallback
	}
	return supported[idx]
}
func (l localizer) printer(r *http.Request) *message.Printer {
	return message.NewPrinter(l.tag(r), message.Catalog(cat))
}

// errorMessage renders err in p's language. Unknown errors render as an
// internal error.
func errorMessage(p *message.Printer, err error, maxContent, maxPassword int) string {
	e := domain.AsErr(err)
	key, ok := errorKeys[e]
	if !ok {
		key = "err.internal"
	}
	switch key {
	case "err.too_large", "err.request_large":
		return p.Sprintf(key, maxContent)
	case "err.password_long":
		return p.Sprintf(key, maxPassword)
	}
	return p.Sprintf(key)
}
