package policy

import "strings"

// ShortName returns the segment after the last namespace separator.
//
//	ShortName(`App\Model\Page`) == "Page"
func ShortName(class string) string {
	if i := strings.LastIndex(class, `\`); i >= 0 {
		return class[i+1:]
	}
	return class
}

// sanitizedSeparator replaces the namespace separator in sanitized names.
// New rejects class names that do not round-trip through it.
const sanitizedSeparator = "__"

// Sanitize makes a class name safe for tokens and enum values by replacing
// the namespace separator with "__".
func Sanitize(class string) string {
	return strings.ReplaceAll(class, `\`, sanitizedSeparator)
}

// Unsanitize reverses Sanitize.
func Unsanitize(name string) string {
	return strings.ReplaceAll(name, sanitizedSeparator, `\`)
}
