package taskstore

// supportedLanguages are the target language codes accepted at task creation.
var supportedLanguages = map[string]struct{}{
	"zh-CN": {},
	"zh-TW": {},
	"en-US": {},
	"ja-JP": {},
	"ko-KR": {},
	"fr-FR": {},
	"de-DE": {},
	"es-ES": {},
	"ru-RU": {},
	"vi-VN": {},
}

// ValidLanguage reports whether code is a supported target language.
func ValidLanguage(code string) bool {
	_, ok := supportedLanguages[code]
	return ok
}
