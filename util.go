package wsboot

import "fmt"

// bsplit3 splits bts with sep into three parts. The remainder after
// the second separator is returned as the third part unsplit.
func bsplit3(bts []byte, sep byte) (b1, b2, b3 []byte) {
	a := bindex(bts, sep)
	if a == -1 {
		return bts, nil, nil
	}
	b := bindex(bts[a+1:], sep)
	if b == -1 {
		return bts[:a], bts[a+1:], nil
	}
	b += a + 1
	return bts[:a], bts[a+1 : b], bts[b+1:]
}

func bindex(bts []byte, c byte) int {
	for i := 0; i < len(bts); i++ {
		if bts[i] == c {
			return i
		}
	}
	return -1
}

// btrim cuts leading and trailing spaces and tabs.
func btrim(bts []byte) []byte {
	var i, j = 0, len(bts)
	for i < j && (bts[i] == ' ' || bts[i] == '\t') {
		i++
	}
	for j > i && (bts[j-1] == ' ' || bts[j-1] == '\t') {
		j--
	}
	return bts[i:j]
}

// asciiToInt converts bytes to int without sign support.
func asciiToInt(bts []byte) (ret int, err error) {
	if len(bts) == 0 {
		return 0, fmt.Errorf("ascii: empty integer value")
	}
	for _, c := range bts {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("ascii: invalid integer value: %q", bts)
		}
		ret = ret*10 + int(c-'0')
	}
	return ret, nil
}

const toLower = 'a' - 'A'

// btsEqualFold reports whether a and b are equal under ASCII
// case-folding, the only folding the HTTP grammar needs.
func btsEqualFold(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += toLower
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += toLower
		}
		if ca != cb {
			return false
		}
	}
	return true
}
