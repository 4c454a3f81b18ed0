package render

// CleanupStack collects destroy actions in creation order and runs them
// in reverse. Every successful creation step pushes its own teardown;
// both normal shutdown and a failed initialization unwind by running
// the stack, so partially constructed state never leaks Vulkan objects.
type CleanupStack struct {
	actions []cleanupAction
}

type cleanupAction struct {
	name string
	fn   func()
}

// Push registers a destroy action. The name is only used for
// diagnostics.
func (s *CleanupStack) Push(name string, fn func()) {
	s.actions = append(s.actions, cleanupAction{name: name, fn: fn})
}

// Run executes all registered actions newest-first and empties the
// stack. Safe to call more than once.
func (s *CleanupStack) Run() {
	for i := len(s.actions) - 1; i >= 0; i-- {
		s.actions[i].fn()
	}
	s.actions = s.actions[:0]
}

// Len reports the number of pending actions.
func (s *CleanupStack) Len() int {
	return len(s.actions)
}
