package transport

import "strings"

// SplitText breaks s into chunks of at most limit runes. Cuts prefer a
// newline in the last two thirds of a chunk. With html set, a cut never
// lands inside a tag and, where possible, not inside an element.
func SplitText(s string, limit int, html bool) []string {
	rs := []rune(s)
	if limit <= 0 || len(rs) <= limit {
		return []string{s}
	}

	var out []string
	for start := 0; start < len(rs); {
		end := len(rs)
		if start+limit < len(rs) {
			end = cutPoint(rs, start, start+limit, html)
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		for start = end; start < len(rs) && rs[start] == '\n'; start++ {
		}
	}
	return out
}

// cutPoint picks where the chunk rs[start:end] should end.
func cutPoint(rs []rune, start, end int, html bool) int {
	minLen := (end - start) / 3
	for i := end - 1; i-start >= minLen && i > start; i-- {
		if rs[i] == '\n' {
			end = i + 1
			break
		}
	}
	if !html {
		return end
	}
	if at := unclosedAt(rs[start:end]); at > 0 {
		return start + at
	}
	return end
}

// unclosedAt returns the offset of the earliest tag in chunk whose element
// is still open at the end of chunk, or of a tag cut off mid-way. It
// returns -1 when the chunk is balanced.
func unclosedAt(chunk []rune) int {
	type open struct {
		name string
		at   int
	}
	var stack []open
	for i := 0; i < len(chunk); i++ {
		if chunk[i] != '<' {
			continue
		}
		j := i + 1
		for j < len(chunk) && chunk[j] != '>' {
			j++
		}
		if j == len(chunk) {
			if len(stack) > 0 && stack[0].at > 0 {
				return stack[0].at
			}
			return i
		}
		tag := string(chunk[i+1 : j])
		if name, ok := strings.CutPrefix(tag, "/"); ok {
			name = tagName(name)
			for k := len(stack) - 1; k >= 0; k-- {
				if stack[k].name == name {
					stack = stack[:k]
					break
				}
			}
		} else {
			stack = append(stack, open{name: tagName(tag), at: i})
		}
		i = j
	}
	if len(stack) > 0 {
		return stack[0].at
	}
	return -1
}

func tagName(tag string) string {
	if i := strings.IndexAny(tag, " \t\n"); i >= 0 {
		tag = tag[:i]
	}
	return strings.ToLower(tag)
}
