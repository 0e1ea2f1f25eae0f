package tokenizer

import "unicode"

type runeClass uint8

const (
	classSpace runeClass = iota
	classLetter
	classNumber
	classOther
)

func classify(r rune) runeClass {
	switch {
	case unicode.IsSpace(r):
		return classSpace
	case unicode.IsLetter(r):
		return classLetter
	case unicode.IsNumber(r):
		return classNumber
	default:
		return classOther
	}
}

var contractions = []string{"s", "t", "m", "d", "re", "ve", "ll"}

// pretokenize splits text the way the GPT-2 pattern does: contractions, an
// optional leading space glued to a run of letters, digits or symbols, and
// whitespace runs that leave their last space for the following word.
func pretokenize(s string) []string {
	rs := []rune(s)
	var out []string
	for i := 0; i < len(rs); {
		if rs[i] == '\'' {
			if n := matchContraction(rs[i+1:]); n > 0 {
				out = append(out, string(rs[i:i+1+n]))
				i += 1 + n
				continue
			}
		}

		j := i
		if rs[j] == ' ' && j+1 < len(rs) && classify(rs[j+1]) != classSpace {
			j++
		}
		if c := classify(rs[j]); c != classSpace {
			k := j + 1
			for k < len(rs) && classify(rs[k]) == c {
				k++
			}
			out = append(out, string(rs[i:k]))
			i = k
			continue
		}

		k := i
		for k < len(rs) && classify(rs[k]) == classSpace {
			k++
		}
		if k < len(rs) && k-i > 1 {
			k--
		}
		out = append(out, string(rs[i:k]))
		i = k
	}
	return out
}

func matchContraction(rest []rune) int {
	for _, c := range contractions {
		if len(rest) < len(c) {
			continue
		}
		if string(rest[:len(c)]) == c {
			return len(c)
		}
	}
	return 0
}
