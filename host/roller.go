package host

import (
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"

	"github.com/tablelink/companion-sync/protocol"
)

const (
	maxDicePerTerm = 100
	maxSides       = 1000
	maxTerms       = 20
)

var ErrInvalidFormula = errors.New("invalid roll formula")

// Term is NdS, subtracted when Negative.
type Term struct {
	Count    int
	Sides    int
	Negative bool
}

// Formula is a sum of dice terms and a flat modifier, e.g. 1d20+2d6-1.
type Formula struct {
	Dice     []Term
	Modifier int
}

// ParseFormula parses formulas like "1d20+5", "d8 + 2d6 - 1" or "4". Whitespace is ignored and a
// missing count means one die.
func ParseFormula(s string) (Formula, error) {
	var f Formula
	s = strings.ToLower(strings.Join(strings.Fields(s), ""))
	if s == "" {
		return f, fmt.Errorf("%w: empty", ErrInvalidFormula)
	}
	var terms []string
	start := 0
	for i := 1; i <= len(s); i++ {
		if i == len(s) || s[i] == '+' || s[i] == '-' {
			terms = append(terms, s[start:i])
			start = i
		}
	}
	if len(terms) > maxTerms {
		return f, fmt.Errorf("%w: too many terms", ErrInvalidFormula)
	}
	for _, term := range terms {
		negative := false
		switch term[0] {
		case '-':
			negative = true
			term = term[1:]
		case '+':
			term = term[1:]
		}
		if term == "" {
			return f, fmt.Errorf("%w: %q has an empty term", ErrInvalidFormula, s)
		}
		count, sides, isDice, err := parseTerm(term)
		if err != nil {
			return f, fmt.Errorf("%w: %q: %s", ErrInvalidFormula, s, err)
		}
		if !isDice {
			if negative {
				count = -count
			}
			f.Modifier += count
			continue
		}
		f.Dice = append(f.Dice, Term{Count: count, Sides: sides, Negative: negative})
	}
	return f, nil
}

func parseTerm(term string) (count, sides int, isDice bool, err error) {
	d := strings.IndexByte(term, 'd')
	if d < 0 {
		n, err := strconv.Atoi(term)
		if err != nil {
			return 0, 0, false, fmt.Errorf("bad modifier %q", term)
		}
		return n, 0, false, nil
	}
	count = 1
	if d > 0 {
		count, err = strconv.Atoi(term[:d])
		if err != nil || count <= 0 || count > maxDicePerTerm {
			return 0, 0, false, fmt.Errorf("bad dice count in %q", term)
		}
	}
	sides, err = strconv.Atoi(term[d+1:])
	if err != nil || sides <= 0 || sides > maxSides {
		return 0, 0, false, fmt.Errorf("bad die size in %q", term)
	}
	return count, sides, true, nil
}

// String renders the formula in canonical form, e.g. "1d20+2d6-1".
func (f Formula) String() string {
	var sb strings.Builder
	for i, t := range f.Dice {
		switch {
		case t.Negative:
			sb.WriteByte('-')
		case i > 0:
			sb.WriteByte('+')
		}
		fmt.Fprintf(&sb, "%dd%d", t.Count, t.Sides)
	}
	switch {
	case f.Modifier > 0 && len(f.Dice) > 0:
		fmt.Fprintf(&sb, "+%d", f.Modifier)
	case f.Modifier != 0 || len(f.Dice) == 0:
		fmt.Fprintf(&sb, "%d", f.Modifier)
	}
	return sb.String()
}

// Roller rolls formulas. It is deterministic for a given seed and sequence of calls, and safe for
// concurrent use.
type Roller struct {
	mu  *sync.Mutex
	rng *rand.Rand
}

func NewRoller(seed int64) *Roller {
	return &Roller{
		mu:  &sync.Mutex{},
		rng: rand.New(rand.NewSource(seed)),
	}
}

// Roll a formula. With advantage or disadvantage the first single d20 term is rolled twice and the
// higher or lower die kept; formulas without one roll normally.
func (r *Roller) Roll(f Formula, mode protocol.RollMode) RollOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	mode = mode.Normalize()
	out := RollOutcome{
		Formula: f.String(),
		Total:   f.Modifier,
		Mode:    protocol.ModeNormal,
	}
	twice := mode != protocol.ModeNormal
	for _, t := range f.Dice {
		sign := 1
		if t.Negative {
			sign = -1
		}
		if twice && t.Count == 1 && t.Sides == 20 && !t.Negative {
			twice = false
			a, b := r.rollDie(20), r.rollDie(20)
			kept, dropped := a, b
			if (mode == protocol.ModeAdvantage && b > a) || (mode == protocol.ModeDisadvantage && b < a) {
				kept, dropped = b, a
			}
			out.Rolls = append(out.Rolls, kept)
			out.Dropped = append(out.Dropped, dropped)
			out.Total += kept
			out.Mode = mode
			continue
		}
		for i := 0; i < t.Count; i++ {
			v := r.rollDie(t.Sides)
			out.Rolls = append(out.Rolls, v)
			out.Total += sign * v
		}
	}
	return out
}

// must hold mu
func (r *Roller) rollDie(sides int) int {
	return r.rng.Intn(sides) + 1
}
