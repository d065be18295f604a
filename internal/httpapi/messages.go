package httpapi

import "strings"

var messages = map[string]map[string]string{
	"de": {
		"invalid_request":             "Ungültige Anfrage",
		"csrf_token_missing":          "CSRF-Token fehlt",
		"invalid_csrf_token":          "Ungültiger CSRF-Token. Bitte laden Sie die Seite neu und versuchen Sie es erneut.",
		"empty_message":               "Leere Nachricht",
		"please_wait":                 "Bitte warten Sie, bevor Sie eine weitere Nachricht senden",
		"service_unavailable":         "Service vorübergehend nicht verfügbar",
		"token_requests_too_frequent": "Token-Anfragen zu häufig",
	},
	"en": {
		"invalid_request":             "Invalid request",
		"csrf_token_missing":          "CSRF token missing",
		"invalid_csrf_token":          "Invalid CSRF token. Please reload the page and try again.",
		"empty_message":               "Empty message",
		"please_wait":                 "Please wait before sending another message",
		"service_unavailable":         "Service temporarily unavailable",
		"token_requests_too_frequent": "Token requests too frequent",
	},
}

func message(lang, key string) string {
	if m, ok := messages[lang][key]; ok {
		return m
	}
	if m, ok := messages["en"][key]; ok {
		return m
	}
	return key
}

// detectLanguage prefers an explicit locale, then Accept-Language.
func detectLanguage(locale, acceptLanguage string) string {
	for _, v := range []string{locale, acceptLanguage} {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if strings.HasPrefix(v, "de") || strings.Contains(v, "de-") {
			return "de"
		}
		return "en"
	}
	return "en"
}
