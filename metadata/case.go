package metadata

import (
	"strings"
	"unicode"

	"github.com/jinzhu/inflection"
)

// TableName derives the default table for a type name: "OrderLine" => "order_lines".
func TableName(typeName string) string {
	return toSnake(inflection.Plural(typeName))
}

// ColumnName derives the default column for a field name: "CreatedAt" => "created_at".
func ColumnName(fieldName string) string { return toSnake(fieldName) }

// toSnake converts s to snake_case, keeping acronym runs together
// ("UserID" => "user_id", "HTTPServer" => "http_server").
func toSnake(s string) string {
	if s == "" {
		return ""
	}

	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(runes) + len(runes)/2)

	lastUnderscore := false
	for i, r := range runes {
		switch {
		case unicode.IsUpper(r):
			if b.Len() > 0 && !lastUnderscore {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			lastUnderscore = false
		case unicode.IsLower(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.Trim(b.String(), "_")
}
