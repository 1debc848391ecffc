package wsboot

import "testing"

type recordingVariant struct {
	destroyed int
	updates   []int
}

func (v *recordingVariant) destroy(s *Stream) { v.destroyed++ }

func (v *recordingVariant) updateWindow(s *Stream, increment int) {
	v.updates = append(v.updates, increment)
}

func TestStreamRefCounting(t *testing.T) {
	var v recordingVariant
	s := newStream(nil, &v, StreamCallbacks{})

	s.Release()
	if v.destroyed != 0 {
		t.Fatalf("stream destroyed with a reference still held")
	}
	s.Acquire()
	s.Release()
	if v.destroyed != 0 {
		t.Fatalf("stream destroyed with a reference still held")
	}
	s.Release()
	if v.destroyed != 1 {
		t.Fatalf("stream destroyed %d times; want 1", v.destroyed)
	}

	defer func() {
		if recover() == nil {
			t.Errorf("want panic on extra release")
		}
	}()
	s.Release()
}

func TestStreamUpdateWindow(t *testing.T) {
	var v recordingVariant
	s := newStream(nil, &v, StreamCallbacks{})

	s.UpdateWindow(0)
	s.UpdateWindow(-5)
	if len(v.updates) != 0 {
		t.Errorf("non-positive increments reached the variant: %v", v.updates)
	}
	s.UpdateWindow(1024)
	if len(v.updates) != 1 || v.updates[0] != 1024 {
		t.Errorf("updates are %v; want [1024]", v.updates)
	}
}

func TestStreamInitialStatus(t *testing.T) {
	s := newStream(nil, &recordingVariant{}, StreamCallbacks{})
	if got := s.ResponseStatus(); got != StatusUnknown {
		t.Errorf("initial status is %d; want %d", got, StatusUnknown)
	}
}
