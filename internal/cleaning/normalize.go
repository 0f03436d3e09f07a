package cleaning

import "strings"

var accentReplacer = strings.NewReplacer(
	"á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u",
	"Á", "A", "É", "E", "Í", "I", "Ó", "O", "Ú", "U",
	"ñ", "n", "Ñ", "N", "ü", "u", "Ü", "U",
)

// propertyTypeAliases maps common source spellings to canonical categories.
var propertyTypeAliases = map[string]string{
	"apto":          "Apartamento",
	"apartamento":   "Apartamento",
	"apartaestudio": "Apartaestudio",
	"casa":          "Casa",
	"oficina":       "Oficina",
	"local":         "Local",
	"lote":          "Lote",
	"bodega":        "Bodega",
	"finca":         "Finca",
}

var cityAliases = map[string]string{
	"bogota d.c.":       "Bogota",
	"bogota dc":         "Bogota",
	"santafe de bogota": "Bogota",
}

// NormalizeText strips accents, trims and collapses internal whitespace.
func NormalizeText(s string) string {
	s = accentReplacer.Replace(strings.TrimSpace(s))
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeCategory normalizes text and title-cases each word so category
// values compare equal regardless of source casing.
func NormalizeCategory(s string) string {
	words := strings.Fields(strings.ToLower(NormalizeText(s)))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// NormalizePropertyType maps a raw property type onto its canonical category.
func NormalizePropertyType(s string) string {
	key := strings.ToLower(NormalizeText(s))
	if canonical, ok := propertyTypeAliases[key]; ok {
		return canonical
	}
	return NormalizeCategory(s)
}

// NormalizeCity maps a raw city name onto its canonical form.
func NormalizeCity(s string) string {
	key := strings.ToLower(NormalizeText(s))
	if canonical, ok := cityAliases[key]; ok {
		return canonical
	}
	return NormalizeCategory(s)
}
