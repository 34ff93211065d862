package hooks

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitOrder(t *testing.T) {
	r := New(nil)

	var order []int
	r.OnStepStart(func(m StepMetrics) { order = append(order, 1) })
	r.OnStepStart(func(m StepMetrics) { order = append(order, 2) })
	r.OnStepStart(func(m StepMetrics) { order = append(order, 3) })

	r.EmitStepStart(StepMetrics{StepNumber: 0, StepName: "fetch"})

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestPanickingHookDoesNotStopOthers(t *testing.T) {
	r := New(nil)

	var called []string
	r.OnStepEnd(func(m StepMetrics) { called = append(called, "first") })
	r.OnStepEnd(func(m StepMetrics) { panic("subscriber bug") })
	r.OnStepEnd(func(m StepMetrics) { called = append(called, "third") })

	require.NotPanics(t, func() {
		r.EmitStepEnd(StepMetrics{StepName: "parse"})
	})
	assert.Equal(t, []string{"first", "third"}, called)
}

func TestErrorHookReceivesError(t *testing.T) {
	r := New(nil)

	wantErr := errors.New("step blew up")
	var got error
	var gotMetrics StepMetrics
	r.OnStepError(func(m StepMetrics, err error) {
		gotMetrics = m
		got = err
	})

	r.EmitStepError(StepMetrics{StepNumber: 2, StepName: "export", RunID: "r1"}, wantErr)

	require.Equal(t, wantErr, got)
	assert.Equal(t, 2, gotMetrics.StepNumber)
	assert.Equal(t, "r1", gotMetrics.RunID)
}

func TestUnregister(t *testing.T) {
	r := New(nil)

	var count int
	unregister := r.OnStepStart(func(m StepMetrics) { count++ })
	r.EmitStepStart(StepMetrics{})
	unregister()
	r.EmitStepStart(StepMetrics{})

	assert.Equal(t, 1, count)
}

func TestReset(t *testing.T) {
	r := New(nil)

	var count int
	r.OnStepStart(func(m StepMetrics) { count++ })
	r.OnStepEnd(func(m StepMetrics) { count++ })
	r.OnStepError(func(m StepMetrics, err error) { count++ })

	r.Reset()
	r.EmitStepStart(StepMetrics{})
	r.EmitStepEnd(StepMetrics{})
	r.EmitStepError(StepMetrics{}, errors.New("x"))

	assert.Zero(t, count)
}

func TestEmitWithNoSubscribers(t *testing.T) {
	r := New(nil)

	require.NotPanics(t, func() {
		r.EmitStepStart(StepMetrics{})
		r.EmitStepEnd(StepMetrics{})
		r.EmitStepError(StepMetrics{}, errors.New("x"))
	})
}
