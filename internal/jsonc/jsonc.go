// Package jsonc converts JSON with comments and trailing commas (like
// `tsconfig.json` or a commented `nobuild.json`) to standard JSON.
package jsonc

// Strip blanks out `//` and `/* */` comments and trailing commas. The output
// has the same length and line breaks as the input, so offsets reported by a
// JSON parser still point at the original source.
func Strip(src []byte) []byte {
	dst := make([]byte, len(src))
	copy(dst, src)

	// lastSignificant is the index of the last byte in dst that is not
	// whitespace and not part of a comment, or -1.
	lastSignificant := -1
	for i := 0; i < len(dst); i++ {
		switch c := dst[i]; {
		case c == '"':
			end := stringEnd(dst, i)
			lastSignificant = end
			i = end
		case c == '/' && i+1 < len(dst) && dst[i+1] == '/':
			for ; i < len(dst) && dst[i] != '\n'; i++ {
				blank(dst, i)
			}
		case c == '/' && i+1 < len(dst) && dst[i+1] == '*':
			blank(dst, i)
			blank(dst, i+1)
			for i += 2; i < len(dst); i++ {
				if dst[i] == '*' && i+1 < len(dst) && dst[i+1] == '/' {
					blank(dst, i)
					blank(dst, i+1)
					i++
					break
				}
				blank(dst, i)
			}
		case c == '}' || c == ']':
			if lastSignificant >= 0 && dst[lastSignificant] == ',' {
				dst[lastSignificant] = ' '
			}
			lastSignificant = i
		case c > ' ':
			lastSignificant = i
		}
	}
	return dst
}

// stringEnd returns the index of the closing quote of the string starting at i.
func stringEnd(src []byte, i int) int {
	for j := i + 1; j < len(src); j++ {
		switch src[j] {
		case '\\':
			j++
		case '"':
			return j
		}
	}
	return len(src) - 1
}

func blank(src []byte, i int) {
	switch src[i] {
	case '\n', '\r', '\t':
	default:
		src[i] = ' '
	}
}
