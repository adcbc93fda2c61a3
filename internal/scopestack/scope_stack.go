// Package scopestack implements a push/pop value stack that verifies each
// push and its matching pop happen in the same calling function, catching
// unbalanced module-context tracking in the logging wrapper (internal/log)
// at the point it goes wrong rather than silently mislabeling later output.
package scopestack

import (
	"container/list"
	"fmt"
	"runtime"
)

// ScopeStack is a stack of arbitrary values, each tagged with the call frame
// active at the time it was pushed.
type ScopeStack struct {
	stack list.List
	// scopeDistance lets a wrapper around ScopeStack (one more call frame
	// out) point the balance check at its own caller instead of itself.
	scopeDistance int
}

type scopeElement struct {
	frame *uintptr
	value interface{}
}

// NewScopeStack returns a ScopeStack that checks balance scopeDistance call
// frames out from whatever calls Push/Pop.
func NewScopeStack(scopeDistance int) *ScopeStack {
	return &ScopeStack{scopeDistance: scopeDistance}
}

// Push records v along with the caller's program counter.
func (s *ScopeStack) Push(v interface{}) {
	var frame *uintptr
	if pc, _, _, ok := runtime.Caller(s.scopeDistance + 1); ok {
		frame = new(uintptr)
		*frame = pc
	}
	s.stack.PushBack(scopeElement{frame, v})
}

// Peek returns the most recently pushed value without removing it, or nil
// if the stack is empty. It performs no balance check.
func (s *ScopeStack) Peek() interface{} {
	elem := s.stack.Back()
	if elem == nil {
		return nil
	}
	return elem.Value.(scopeElement).value
}

// Pop removes and returns the most recently pushed value. It panics if the
// stack is empty, or if the calling function differs from the one that
// pushed the value being popped.
func (s *ScopeStack) Pop() interface{} {
	elem := s.stack.Back()
	if elem == nil {
		panic("scopestack: Pop() on empty stack")
	}
	se := elem.Value.(scopeElement)
	s.stack.Remove(elem)

	if se.frame == nil {
		return se.value
	}
	pc, _, _, ok := runtime.Caller(s.scopeDistance + 1)
	if !ok {
		return se.value
	}

	pushFunc := runtime.FuncForPC(*se.frame)
	popFunc := runtime.FuncForPC(pc)
	if pushFunc.Entry() != popFunc.Entry() {
		pushFile, pushLine := pushFunc.FileLine(*se.frame)
		popFile, popLine := popFunc.FileLine(pc)
		panic(fmt.Sprintf(
			"scopestack: unbalanced Pop(): Push() inside %s() at %s:%d "+
				"does not balance with Pop() in %s() at %s:%d "+
				"(Push and Pop must be in the same function)",
			pushFunc.Name(), pushFile, pushLine,
			popFunc.Name(), popFile, popLine))
	}
	return se.value
}
