package machine

import (
	"errors"

	"github.com/roach88/lockstep/internal/lockstep"
	"github.com/roach88/lockstep/internal/value"
)

// Calculator action types.
const (
	OpNumber = "number"
	OpAdd    = "+"
	OpSub    = "-"
	OpMul    = "*"
	OpDiv    = "/"
	OpMod    = "%"
)

var (
	// ErrStackUnderflow: an operator needs two operands.
	ErrStackUnderflow = errors.New("stack underflow")
	// ErrDivisionByZero is returned by "/" and "%".
	ErrDivisionByZero = errors.New("division by zero")
	// ErrBadState: the state is not an array of integers.
	ErrBadState = errors.New("calculator state must be an array of integers")

	errArgValue = errors.New("args.value must be an integer")
)

// Number pushes v onto the stack.
func Number(v int64) lockstep.Action {
	return lockstep.Action{Type: OpNumber, Args: value.Object{"value": value.Int(v)}}
}

// Op applies a binary operator to the two topmost values.
func Op(op string) lockstep.Action {
	return lockstep.Action{Type: op}
}

// NewCalculator returns a machine running the stack calculator, seeded with
// the given numbers.
func NewCalculator(seed ...int64) *ReducerMachine {
	state := make(value.Array, 0, len(seed))
	for _, n := range seed {
		state = append(state, value.Int(n))
	}
	return New(state, Calculator)
}

// Calculator is a stack calculator reducer. The state is an array of
// integers; "number" pushes args.value, an operator pops the top value a and
// the one below it b, then pushes a op b. Unknown action types leave the
// state unchanged.
func Calculator(state value.Value, action lockstep.QueueItem) (value.Value, error) {
	stack, err := ints(state)
	if err != nil {
		return nil, err
	}
	if action.Type == OpNumber {
		n, ok := action.Args.Int("value")
		if !ok {
			return nil, errArgValue
		}
		return push(stack[:len(stack):len(stack)], n), nil
	}

	var calc func(a, b int64) (int64, error)
	switch action.Type {
	case OpAdd:
		calc = func(a, b int64) (int64, error) { return a + b, nil }
	case OpSub:
		calc = func(a, b int64) (int64, error) { return a - b, nil }
	case OpMul:
		calc = func(a, b int64) (int64, error) { return a * b, nil }
	case OpDiv:
		calc = func(a, b int64) (int64, error) {
			if b == 0 {
				return 0, ErrDivisionByZero
			}
			return a / b, nil
		}
	case OpMod:
		calc = func(a, b int64) (int64, error) {
			if b == 0 {
				return 0, ErrDivisionByZero
			}
			return a % b, nil
		}
	default:
		return state, nil
	}

	if len(stack) < 2 {
		return nil, ErrStackUnderflow
	}
	a, b := stack[len(stack)-1], stack[len(stack)-2]
	r, err := calc(a, b)
	if err != nil {
		return nil, err
	}
	rest := stack[: len(stack)-2 : len(stack)-2]
	return push(rest, r), nil
}

func ints(state value.Value) ([]int64, error) {
	arr, ok := state.(value.Array)
	if !ok {
		if _, null := state.(value.Null); null || state == nil {
			return nil, nil
		}
		return nil, ErrBadState
	}
	out := make([]int64, len(arr))
	for i, v := range arr {
		n, ok := v.(value.Int)
		if !ok {
			return nil, ErrBadState
		}
		out[i] = int64(n)
	}
	return out, nil
}

func push(stack []int64, n int64) value.Array {
	out := make(value.Array, 0, len(stack)+1)
	for _, v := range stack {
		out = append(out, value.Int(v))
	}
	return append(out, value.Int(n))
}
