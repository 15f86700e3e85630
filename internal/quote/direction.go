package quote

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Move describes how a displayed value changed.
type Move int

const (
	MoveUnknown Move = iota
	MoveUp
	MoveDown
	MoveUnchanged
)

func (m Move) String() string {
	switch m {
	case MoveUp:
		return "up"
	case MoveDown:
		return "down"
	case MoveUnchanged:
		return "unchanged"
	}
	return "unknown"
}

// Direction compares two display strings numerically ("$150.00", "1,204",
// "-0.45%"). Either side failing to parse yields MoveUnknown.
func Direction(prev, next string) Move {
	a, ok := parseDisplayNumber(prev)
	if !ok {
		return MoveUnknown
	}
	b, ok := parseDisplayNumber(next)
	if !ok {
		return MoveUnknown
	}
	switch b.Cmp(a) {
	case 1:
		return MoveUp
	case -1:
		return MoveDown
	}
	return MoveUnchanged
}

var displayNoise = strings.NewReplacer("$", "", ",", "", "%", "", " ", "")

func parseDisplayNumber(s string) (decimal.Decimal, bool) {
	s = displayNoise.Replace(strings.TrimSpace(s))
	if s == "" {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}
