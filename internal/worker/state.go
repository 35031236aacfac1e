package worker

import (
	"sync/atomic"

	"github.com/ChuLiYu/trolley/pkg/types"
)

// NOTE: The order here is the transition order. CompareAndSwap only ever
// moves a Handle forward, so a state is never revisited.
var jobStates = []types.JobState{
	types.StatePending,
	types.StateRunning,
	types.StateTerminated,
}

func stateIndex(s types.JobState) int32 {
	for i, v := range jobStates {
		if v == s {
			return int32(i)
		}
	}
	return -1
}

// atomicState is a wrapper around an atomic.Int32 that validates Handle state
// transitions with CompareAndSwap instead of a mutex.
type atomicState struct {
	v atomic.Int32
}

func (a *atomicState) Load() types.JobState {
	i := a.v.Load()
	if i < 0 || int(i) >= len(jobStates) {
		return types.StatePending
	}
	return jobStates[i]
}

func (a *atomicState) Store(s types.JobState) {
	a.v.Store(stateIndex(s))
}

func (a *atomicState) CompareAndSwap(o, n types.JobState) bool {
	return a.v.CompareAndSwap(stateIndex(o), stateIndex(n))
}
