package machine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lockstep/internal/lockstep"
	"github.com/roach88/lockstep/internal/value"
)

func run(t *testing.T, m *ReducerMachine, actions ...lockstep.Action) {
	t.Helper()
	for _, a := range actions {
		_, err := m.Run(lockstep.QueueItem{Action: a})
		require.NoError(t, err, a.Type)
	}
}

func stack(ns ...int64) value.Array {
	out := value.Array{}
	for _, n := range ns {
		out = append(out, value.Int(n))
	}
	return out
}

func TestCalculator_Arithmetic(t *testing.T) {
	m := NewCalculator()
	assert.Equal(t, stack(), m.State())

	run(t, m, Number(5), Number(4))
	assert.Equal(t, stack(5, 4), m.State())

	run(t, m, Op(OpAdd))
	assert.Equal(t, stack(9), m.State())

	run(t, m, Number(3), Number(4), Op(OpMul))
	assert.Equal(t, stack(9, 12), m.State())

	run(t, m, Op(OpAdd))
	assert.Equal(t, stack(21), m.State())
}

func TestCalculator_OperandOrder(t *testing.T) {
	tests := []struct {
		op   string
		want int64
	}{
		// Top of stack is the left operand.
		{OpSub, 10 - 3},
		{OpDiv, 10 / 3},
		{OpMod, 10 % 3},
	}
	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			m := NewCalculator(3, 10)
			run(t, m, Op(tt.op))
			assert.Equal(t, stack(tt.want), m.State())
		})
	}
}

func TestCalculator_Errors(t *testing.T) {
	m := NewCalculator(0, 7)
	_, err := m.Run(lockstep.QueueItem{Action: Op(OpDiv)})
	require.ErrorIs(t, err, ErrDivisionByZero)
	assert.Equal(t, stack(0, 7), m.State(), "failed action must not change state")

	m = NewCalculator(1)
	_, err = m.Run(lockstep.QueueItem{Action: Op(OpAdd)})
	require.ErrorIs(t, err, ErrStackUnderflow)

	_, err = m.Run(lockstep.QueueItem{Action: lockstep.Action{Type: OpNumber}})
	require.Error(t, err)
}

func TestCalculator_UnknownActionIsNoop(t *testing.T) {
	m := NewCalculator(1, 2)
	st, err := m.Run(lockstep.QueueItem{Action: lockstep.Action{Type: "noop"}})
	require.NoError(t, err)
	assert.Equal(t, stack(1, 2), st)
}

func TestCalculator_DoesNotAliasPreviousState(t *testing.T) {
	m := NewCalculator(1, 2)
	before := m.State()
	run(t, m, Op(OpAdd), Number(8))
	assert.Equal(t, stack(1, 2), before)
	assert.Equal(t, stack(3, 8), m.State())
}

func TestReducerMachine_LoadState(t *testing.T) {
	m := NewCalculator()
	require.NoError(t, m.LoadState(stack(9)))
	run(t, m, Number(3))
	assert.Equal(t, stack(9, 3), m.State())

	require.ErrorIs(t, m.LoadState(nil), ErrNilState)
}

func TestCalculator_NullStateIsEmptyStack(t *testing.T) {
	m := New(value.Null{}, Calculator)
	run(t, m, Number(1))
	assert.Equal(t, stack(1), m.State())
}
