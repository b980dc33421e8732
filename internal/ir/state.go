package ir

// State is the run-local cache of handles the engine has observed or
// created, keyed by natural key. It is never persisted.
type State struct {
	handles map[Key]*Handle
	order   []Key
}

func NewState() *State {
	return &State{handles: make(map[Key]*Handle)}
}

// Put records h, replacing any handle with the same key.
func (s *State) Put(h *Handle) {
	if h == nil {
		return
	}
	if _, ok := s.handles[h.Key]; !ok {
		s.order = append(s.order, h.Key)
	}
	s.handles[h.Key] = h
}

func (s *State) Get(k Key) (*Handle, bool) {
	h, ok := s.handles[k]
	return h, ok
}

// Lookup finds the most recently recorded handle with the given kind and
// name, whatever its scope.
func (s *State) Lookup(kind Kind, name string) (*Handle, bool) {
	for i := len(s.order) - 1; i >= 0; i-- {
		k := s.order[i]
		if k.Kind == kind && k.Name == name {
			return s.handles[k], true
		}
	}
	return nil, false
}

func (s *State) Remove(k Key) {
	if _, ok := s.handles[k]; !ok {
		return
	}
	delete(s.handles, k)
	for i, v := range s.order {
		if v == k {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Handles returns the recorded handles in insertion order.
func (s *State) Handles() []*Handle {
	out := make([]*Handle, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, s.handles[k])
	}
	return out
}

func (s *State) Len() int {
	return len(s.order)
}
