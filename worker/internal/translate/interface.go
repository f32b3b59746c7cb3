package translate

import (
	"context"
)

// Translator is the interface for translation providers.
type Translator interface {
	// Translate renders text into the target language, preserving meaning
	// and tone.
	Translate(ctx context.Context, text, targetLang string) (string, error)
}
