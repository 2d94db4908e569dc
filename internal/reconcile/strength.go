package reconcile

import (
	"regexp"
	"strconv"
	"strings"
)

var strengthPattern = regexp.MustCompile(`(\d+(\.\d+)?)\s*(\w+)\s*/\s*(\d+(\.\d+)?)\s*(\w+)`)

type strengthRatio struct {
	num, den         float64
	numUnit, denUnit string
}

func parseRatios(text string) ([]strengthRatio, bool) {
	matches := strengthPattern.FindAllStringSubmatch(strings.ToLower(text), -1)
	if len(matches) == 0 {
		return nil, false
	}
	out := make([]strengthRatio, 0, len(matches))
	for _, m := range matches {
		num, err1 := strconv.ParseFloat(m[1], 64)
		den, err2 := strconv.ParseFloat(m[4], 64)
		if err1 != nil || err2 != nil || den == 0 {
			return nil, false
		}
		out = append(out, strengthRatio{num: num, den: den, numUnit: m[3], denUnit: m[6]})
	}
	return out, true
}

// equivalentStrengths compares two strength texts pairwise. Each pair must use
// the same units and its ratio must be equal, doubled or halved.
func equivalentStrengths(a, b string) bool {
	ra, ok := parseRatios(a)
	if !ok {
		return false
	}
	rb, ok := parseRatios(b)
	if !ok || len(ra) != len(rb) {
		return false
	}
	for i := range ra {
		x, y := ra[i], rb[i]
		if x.numUnit != y.numUnit || x.denUnit != y.denUnit {
			return false
		}
		rx, ry := x.num/x.den, y.num/y.den
		if rx != ry && rx*2 != ry && rx*0.5 != ry {
			return false
		}
	}
	return true
}
