package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spolepaka/mathraid/internal/id"
)

// Operator identifies the arithmetic operation of a fact.
type Operator string

const (
	// OpAdd is addition.
	OpAdd Operator = "add"
	// OpSub is subtraction.
	OpSub Operator = "sub"
	// OpMul is multiplication.
	OpMul Operator = "mul"
	// OpDiv is whole-number division.
	OpDiv Operator = "div"
)

// Track restricts which operators a session draws from.
type Track string

const (
	// TrackAddition limits selection to addition facts.
	TrackAddition Track = "addition"
	// TrackSubtraction limits selection to subtraction facts.
	TrackSubtraction Track = "subtraction"
	// TrackMultiplication limits selection to multiplication facts.
	TrackMultiplication Track = "multiplication"
	// TrackDivision limits selection to division facts.
	TrackDivision Track = "division"
	// TrackMixed draws from every operator the cohort permits.
	TrackMixed Track = "mixed"
)

var (
	// ErrInvalidFactKey indicates a fact key that does not parse.
	ErrInvalidFactKey = errors.New("invalid fact key")
	// ErrInvalidTrack indicates an unknown track name.
	ErrInvalidTrack = errors.New("invalid track")
)

// Fact is one drillable item: an operator and two operands.
// Division facts store the dividend in A and the divisor in B; only facts
// with whole-number answers are ever generated.
type Fact struct {
	Op Operator
	A  int
	B  int
}

// Key returns the normalized identity of the fact, e.g. "mul:6:7".
func (f Fact) Key() string {
	return fmt.Sprintf("%s:%d:%d", f.Op, f.A, f.B)
}

// Answer returns the canonical correct answer for the fact.
func (f Fact) Answer() int {
	switch f.Op {
	case OpAdd:
		return f.A + f.B
	case OpSub:
		return f.A - f.B
	case OpMul:
		return f.A * f.B
	case OpDiv:
		if f.B == 0 {
			return 0
		}
		return f.A / f.B
	default:
		return 0
	}
}

// Prompt renders the fact the way clients display it.
func (f Fact) Prompt() string {
	symbol := "?"
	switch f.Op {
	case OpAdd:
		symbol = "+"
	case OpSub:
		symbol = "-"
	case OpMul:
		symbol = "x"
	case OpDiv:
		symbol = "/"
	}
	return fmt.Sprintf("%d %s %d", f.A, symbol, f.B)
}

// MatchesTrack reports whether the fact belongs to the given track.
func (f Fact) MatchesTrack(track Track) bool {
	switch track {
	case TrackAddition:
		return f.Op == OpAdd
	case TrackSubtraction:
		return f.Op == OpSub
	case TrackMultiplication:
		return f.Op == OpMul
	case TrackDivision:
		return f.Op == OpDiv
	case TrackMixed:
		return true
	default:
		return false
	}
}

// ParseFactKey restores a fact from its normalized key.
func ParseFactKey(key string) (Fact, error) {
	parts := strings.Split(strings.TrimSpace(key), ":")
	if len(parts) != 3 {
		return Fact{}, fmt.Errorf("%w: %q", ErrInvalidFactKey, key)
	}

	op := Operator(parts[0])
	switch op {
	case OpAdd, OpSub, OpMul, OpDiv:
	default:
		return Fact{}, fmt.Errorf("%w: unknown operator in %q", ErrInvalidFactKey, key)
	}

	a, err := strconv.Atoi(parts[1])
	if err != nil {
		return Fact{}, fmt.Errorf("%w: %q", ErrInvalidFactKey, key)
	}
	b, err := strconv.Atoi(parts[2])
	if err != nil {
		return Fact{}, fmt.Errorf("%w: %q", ErrInvalidFactKey, key)
	}
	return Fact{Op: op, A: a, B: b}, nil
}

// ParseTrack validates a track name, defaulting empty input to TrackMixed.
func ParseTrack(raw string) (Track, error) {
	track := Track(strings.TrimSpace(strings.ToLower(raw)))
	if track == "" {
		return TrackMixed, nil
	}
	switch track {
	case TrackAddition, TrackSubtraction, TrackMultiplication, TrackDivision, TrackMixed:
		return track, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTrack, raw)
	}
}

// Problem is one served instance of a fact. The id ties a client answer back
// to the fact so the server, not the client, decides correctness.
type Problem struct {
	ID      string
	FactKey string
	Prompt  string
}

// NewProblem mints a served problem for a fact.
func NewProblem(fact Fact, idGenerator func() (string, error)) (Problem, error) {
	if idGenerator == nil {
		idGenerator = id.NewID
	}
	problemID, err := idGenerator()
	if err != nil {
		return Problem{}, fmt.Errorf("generate problem id: %w", err)
	}
	return Problem{
		ID:      problemID,
		FactKey: fact.Key(),
		Prompt:  fact.Prompt(),
	}, nil
}

const (
	baseDamage      = 50
	fastBonusDamage = 20
)

// AnswerDamage converts one answer into boss damage. Wrong answers deal
// nothing; answers at or under the cohort's fast threshold earn a speed bonus.
func AnswerDamage(correct bool, latencyMs int, fastMs int) int {
	if !correct {
		return 0
	}
	damage := baseDamage
	if fastMs > 0 && latencyMs <= fastMs {
		damage += fastBonusDamage
	}
	return damage
}
