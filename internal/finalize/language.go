package finalize

import (
	"strings"
	"unicode"

	"github.com/fyrsmithlabs/chimera/internal/backend"
)

// Language is a supported reply language.
type Language string

const (
	English Language = "en"
	Spanish Language = "es"
	German  Language = "de"
	French  Language = "fr"
	Russian Language = "ru"
)

var stopwords = map[Language][]string{
	English: {"the", "and", "is", "are", "to", "of", "with", "for", "this", "that", "please", "how", "what", "my"},
	Spanish: {"el", "la", "los", "las", "que", "de", "y", "por", "para", "con", "una", "es", "cómo", "qué", "mi"},
	German:  {"der", "die", "das", "und", "ist", "nicht", "mit", "für", "ein", "eine", "ich", "bitte", "wie", "mein"},
	French:  {"le", "la", "les", "et", "est", "des", "une", "pour", "avec", "dans", "je", "vous", "comment", "mon"},
}

// accent letters that only one candidate language uses
var markers = map[rune]Language{
	'ñ': Spanish, '¿': Spanish, '¡': Spanish, 'á': Spanish, 'í': Spanish, 'ó': Spanish, 'ú': Spanish,
	'ß': German, 'ä': German, 'ö': German, 'ü': German,
	'ç': French, 'è': French, 'ê': French, 'à': French, 'œ': French, 'ù': French,
}

// DetectLanguage guesses the language of text from its script and common
// words. Ties and unrecognized text resolve to English.
func DetectLanguage(text string) Language {
	var cyrillic, latin int
	for _, r := range text {
		switch {
		case unicode.Is(unicode.Cyrillic, r):
			cyrillic++
		case unicode.Is(unicode.Latin, r):
			latin++
		}
	}
	if cyrillic > 0 && cyrillic >= latin {
		return Russian
	}

	scores := map[Language]int{}
	lower := strings.ToLower(text)
	for _, r := range lower {
		if l, ok := markers[r]; ok {
			scores[l] += 2
		}
	}
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
	for _, w := range words {
		for lang, list := range stopwords {
			for _, sw := range list {
				if w == sw {
					scores[lang]++
				}
			}
		}
	}

	best, bestScore := English, scores[English]
	for _, lang := range []Language{Spanish, German, French} {
		if scores[lang] > bestScore {
			best, bestScore = lang, scores[lang]
		}
	}
	return best
}

type messageKey int

const (
	msgFailed messageKey = iota
	msgRateLimited
	msgUnavailable
	msgClarify
)

var messages = map[Language]map[messageKey]string{
	English: {
		msgFailed:      "Sorry, I could not complete this request. Please try again, or rephrase it with more detail.",
		msgRateLimited: "The model providers are receiving too many requests right now. Please wait a minute and try again.",
		msgUnavailable: "No model provider is available right now. Please try again shortly.",
		msgClarify:     "Before I start, I need a little more information:",
	},
	Spanish: {
		msgFailed:      "Lo siento, no pude completar esta solicitud. Inténtalo de nuevo o reformúlala con más detalle.",
		msgRateLimited: "Los proveedores de modelos están recibiendo demasiadas solicitudes. Espera un minuto e inténtalo de nuevo.",
		msgUnavailable: "No hay ningún proveedor de modelos disponible en este momento. Inténtalo de nuevo en breve.",
		msgClarify:     "Antes de empezar, necesito un poco más de información:",
	},
	German: {
		msgFailed:      "Leider konnte ich diese Anfrage nicht abschließen. Bitte versuche es erneut oder formuliere sie genauer.",
		msgRateLimited: "Die Modellanbieter erhalten gerade zu viele Anfragen. Bitte warte eine Minute und versuche es erneut.",
		msgUnavailable: "Derzeit ist kein Modellanbieter verfügbar. Bitte versuche es gleich noch einmal.",
		msgClarify:     "Bevor ich anfange, brauche ich noch ein paar Angaben:",
	},
	French: {
		msgFailed:      "Désolé, je n'ai pas pu traiter cette demande. Réessayez ou reformulez-la avec plus de détails.",
		msgRateLimited: "Les fournisseurs de modèles reçoivent trop de requêtes en ce moment. Attendez une minute puis réessayez.",
		msgUnavailable: "Aucun fournisseur de modèles n'est disponible pour le moment. Réessayez dans un instant.",
		msgClarify:     "Avant de commencer, j'ai besoin de quelques précisions :",
	},
	Russian: {
		msgFailed:      "К сожалению, не удалось выполнить запрос. Попробуйте ещё раз или опишите задачу подробнее.",
		msgRateLimited: "Сейчас поставщики моделей получают слишком много запросов. Подождите минуту и попробуйте снова.",
		msgUnavailable: "Сейчас нет доступных поставщиков моделей. Попробуйте чуть позже.",
		msgClarify:     "Прежде чем начать, мне нужно немного больше информации:",
	},
}

func message(lang Language, key messageKey) string {
	if m, ok := messages[lang]; ok {
		return m[key]
	}
	return messages[English][key]
}

// FailureMessage is the user-facing text for a failed request in lang. Rate
// limiting and an exhausted backend pool get their own wording; every other
// failure kind shares a generic message. Raw error text is never included.
func FailureMessage(lang Language, kind backend.Kind) string {
	switch kind {
	case backend.KindRateLimit:
		return message(lang, msgRateLimited)
	case backend.KindCircuitOpen:
		return message(lang, msgUnavailable)
	default:
		return message(lang, msgFailed)
	}
}

// ClarificationIntro introduces clarifying questions in lang.
func ClarificationIntro(lang Language) string {
	return message(lang, msgClarify)
}
