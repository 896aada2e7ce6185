package experiment

import "strings"

// NegationWord prefixes synthetic absence codes, e.g. "not [I21 I22]".
const NegationWord = "not"

func IsNegative(code string) bool {
	return strings.HasPrefix(code, NegationWord)
}

// NegativeCode renders the absence marker for a set of base codes.
func NegativeCode(codes []string) string {
	return NegationWord + " [" + strings.Join(codes, " ") + "]"
}

// BaseCodes reverses NegativeCode. Positive codes come back as a single element.
func BaseCodes(code string) []string {
	if !IsNegative(code) {
		return []string{code}
	}
	inner := strings.TrimPrefix(code, NegationWord+" [")
	inner = strings.TrimSuffix(inner, "]")
	return strings.Fields(inner)
}
