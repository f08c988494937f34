package execution

import "sync"

// Vars is one frame of the lexically chained variable scope. Get walks from
// the frame outward; Set binds in this frame only, so writes by a child are
// invisible to siblings and ancestors. Frames are safe for concurrent reads
// while a child executes.
type Vars struct {
	mu     sync.RWMutex
	parent *Vars
	values map[string]any
}

// NewVars creates a frame chained to parent. A nil parent makes a root
// frame.
func NewVars(parent *Vars) *Vars {
	return &Vars{parent: parent, values: make(map[string]any)}
}

// Get resolves a name, walking outward through parent frames.
func (v *Vars) Get(name string) (any, bool) {
	for frame := v; frame != nil; frame = frame.parent {
		frame.mu.RLock()
		value, ok := frame.values[name]
		frame.mu.RUnlock()
		if ok {
			return value, true
		}
	}
	return nil, false
}

// Set binds the name in this frame, shadowing any outer binding.
func (v *Vars) Set(name string, value any) {
	v.mu.Lock()
	v.values[name] = value
	v.mu.Unlock()
}

// SetRoot binds the name in the outermost frame, making it visible to
// every node of the run.
func (v *Vars) SetRoot(name string, value any) {
	v.Root().Set(name, value)
}

// Root returns the outermost frame.
func (v *Vars) Root() *Vars {
	frame := v
	for frame.parent != nil {
		frame = frame.parent
	}
	return frame
}

// Snapshot flattens the chain into one map, inner bindings overriding
// outer ones.
func (v *Vars) Snapshot() map[string]any {
	// Collect frames outermost-first so inner writes win.
	var frames []*Vars
	for frame := v; frame != nil; frame = frame.parent {
		frames = append(frames, frame)
	}
	out := make(map[string]any)
	for i := len(frames) - 1; i >= 0; i-- {
		frames[i].mu.RLock()
		for k, val := range frames[i].values {
			out[k] = val
		}
		frames[i].mu.RUnlock()
	}
	return out
}

// Len reports the number of bindings in this frame only.
func (v *Vars) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.values)
}
