// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

// Always fires after every iteration, including the pre-training pass at
// iteration 0.
func Always() Trigger {
	return func(*State) bool { return true }
}

// EveryN fires every n completed iterations, not at iteration 0.
func EveryN(n int) Trigger {
	return func(state *State) bool {
		return state.Iteration > 0 && state.Iteration%n == 0
	}
}

// AtIteration fires exactly once, at the given iteration.
func AtIteration(iteration int) Trigger {
	return func(state *State) bool { return state.Iteration == iteration }
}

// Before fires on every pass up to but excluding the given iteration.
func Before(iteration int) Trigger {
	return func(state *State) bool { return state.Iteration < iteration }
}

// AtEnd fires once, after the last iteration.
func AtEnd() Trigger {
	return func(state *State) bool { return state.Iteration == state.TotalIterations }
}

// And fires when all the given triggers fire.
func And(triggers ...Trigger) Trigger {
	return func(state *State) bool {
		for _, trigger := range triggers {
			if !trigger(state) {
				return false
			}
		}
		return true
	}
}

// Or fires when any of the given triggers fires.
func Or(triggers ...Trigger) Trigger {
	return func(state *State) bool {
		for _, trigger := range triggers {
			if trigger(state) {
				return true
			}
		}
		return false
	}
}
