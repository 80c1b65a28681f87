package h3

import (
	"sync/atomic"
)

const (
	runIdle int32 = iota
	runRunning
	runAgain
)

// SerialRunner runs a task so that two passes never overlap. Run during a pass doesn't
// block: it makes the running pass loop once more after it returns.
//
// The task runs on the goroutine that found the runner idle.
type SerialRunner struct {
	task  func()
	state atomic.Int32
}

func NewSerialRunner(task func()) *SerialRunner {
	return &SerialRunner{task: task}
}

// Run executes the task, or schedules one more pass if it is already running.
func (s *SerialRunner) Run() {
	for {
		switch s.state.Load() {
		case runIdle:
			if s.state.CompareAndSwap(runIdle, runRunning) {
				s.loop()
				return
			}
		case runRunning:
			if s.state.CompareAndSwap(runRunning, runAgain) {
				return
			}
		default:
			return
		}
	}
}

func (s *SerialRunner) loop() {
	for {
		s.task()
		if s.state.CompareAndSwap(runRunning, runIdle) {
			return
		}
		s.state.Store(runRunning)
	}
}
