package bitset

import "testing"

func TestSetAndHas(t *testing.T) {
	s := New(130)
	for _, i := range []int{0, 63, 64, 129} {
		s.Set(i)
	}
	for _, i := range []int{0, 63, 64, 129} {
		if !s.Has(i) {
			t.Errorf("Has(%d) = false after Set", i)
		}
	}
	for _, i := range []int{1, 62, 65, 128} {
		if s.Has(i) {
			t.Errorf("Has(%d) = true, never set", i)
		}
	}
}

func TestHasBeyondCapacity(t *testing.T) {
	s := New(10)
	if s.Has(1000) {
		t.Error("Has beyond capacity = true")
	}
}

func TestOr(t *testing.T) {
	a := New(128)
	b := New(128)
	a.Set(3)
	b.Set(100)
	a.Or(b)
	if !a.Has(3) || !a.Has(100) {
		t.Error("union lost bits")
	}
	if b.Has(3) {
		t.Error("Or mutated its argument")
	}
}

func TestCount(t *testing.T) {
	s := New(200)
	if s.Count() != 0 {
		t.Errorf("empty Count = %d", s.Count())
	}
	for i := 0; i < 200; i += 7 {
		s.Set(i)
	}
	if got := s.Count(); got != 29 {
		t.Errorf("Count = %d, want 29", got)
	}
}

func TestClear(t *testing.T) {
	s := New(64)
	s.Set(5)
	s.Clear()
	if s.Has(5) || s.Count() != 0 {
		t.Error("Clear left bits set")
	}
	s.Set(5) // capacity survives
	if !s.Has(5) {
		t.Error("set after Clear failed")
	}
}

func TestClone(t *testing.T) {
	s := New(64)
	s.Set(7)
	c := s.Clone()
	c.Set(9)
	if s.Has(9) {
		t.Error("Clone shares storage")
	}
	if !c.Has(7) {
		t.Error("Clone lost bits")
	}
}
