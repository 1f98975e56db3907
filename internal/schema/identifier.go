package schema

// ValidIdentifier checks that a table or column name is a plain SQL identifier.
// Configured schemas are checked with it; pass-through columns are quoted by
// the store instead.
func ValidIdentifier(name string) bool {
	if len(name) == 0 || len(name) > 63 {
		return false
	}
	first := name[0]
	if (first < 'a' || first > 'z') && (first < 'A' || first > 'Z') && first != '_' {
		return false
	}
	for i := 1; i < len(name); i++ {
		c := name[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') && c != '_' {
			return false
		}
	}
	return true
}

// CheckIdentifiers validates every physical name a schema will emit in SQL.
func CheckIdentifiers(table string, columns []string) []string {
	var bad []string
	if !ValidIdentifier(table) {
		bad = append(bad, table)
	}
	for _, c := range columns {
		if !ValidIdentifier(c) {
			bad = append(bad, c)
		}
	}
	return bad
}
