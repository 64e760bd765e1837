package i18n

import (
	"embed"
	"encoding/json"
	"sync"

	goi18n "github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

//go:embed locales/*.json
var locales embed.FS

var (
	bundle *goi18n.Bundle
	once   sync.Once
)

// Init loads the embedded locales. Safe to call more than once.
func Init() {
	once.Do(func() {
		bundle = goi18n.NewBundle(language.English)
		bundle.RegisterUnmarshalFunc("json", json.Unmarshal)
		for _, path := range []string{"locales/active.en.json", "locales/active.id.json"} {
			if _, err := bundle.LoadMessageFileFS(locales, path); err != nil {
				panic(err)
			}
		}
	})
}

// T localizes messageID for lang, falling back to English and finally to the id itself.
func T(lang, messageID string, data map[string]any) string {
	Init()
	loc := goi18n.NewLocalizer(bundle, lang, language.English.String())
	msg, err := loc.Localize(&goi18n.LocalizeConfig{
		MessageID:    messageID,
		TemplateData: data,
	})
	if err != nil {
		return messageID
	}
	return msg
}
