package extract

import "strings"

const ellipsis = "..."

// TrimCaption shortens caption to at most maxLen bytes, ending at a
// sentence boundary when one exists and otherwise at a word boundary
// followed by an ellipsis. A maxLen of zero or less disables trimming.
func TrimCaption(caption string, maxLen int) string {
	caption = strings.Join(strings.Fields(caption), " ")
	if maxLen <= 0 || len(caption) <= maxLen {
		return caption
	}

	truncated := caption[:maxLen]
	boundary := max(
		strings.LastIndex(truncated, "."),
		strings.LastIndex(truncated, "?"),
		strings.LastIndex(truncated, "!"),
	)
	if boundary > 0 {
		return caption[:boundary+1]
	}

	cut := maxLen - len(ellipsis)
	if cut <= 0 {
		return caption[:maxLen]
	}
	truncated = caption[:cut]
	if space := strings.LastIndex(truncated, " "); space > 0 {
		return caption[:space] + ellipsis
	}
	return truncated + ellipsis
}
