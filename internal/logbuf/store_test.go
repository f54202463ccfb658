package logbuf

import (
	"fmt"
	"sync"
	"testing"

	"github.com/dshills/taskwatch/internal/task"
)

func rec(content string) task.LogRecord {
	return task.LogRecord{Timestamp: 1700000000000, Channel: task.ChannelStdout, Content: content}
}

func TestAppendPreservesOrder(t *testing.T) {
	s := New()

	for i := 0; i < 100; i++ {
		s.Append("t1", rec(fmt.Sprintf("line %d", i)))
	}

	got := s.Get("t1")
	if len(got) != 100 {
		t.Fatalf("Get() returned %d records, want 100", len(got))
	}
	for i, r := range got {
		want := fmt.Sprintf("line %d", i)
		if r.Content != want {
			t.Fatalf("record %d = %q, want %q", i, r.Content, want)
		}
	}
}

func TestGetMissingTask(t *testing.T) {
	s := New()
	if got := s.Get("nope"); got != nil {
		t.Errorf("Get() for unknown task = %v, want nil", got)
	}
	if got := s.Count("nope"); got != 0 {
		t.Errorf("Count() for unknown task = %d, want 0", got)
	}
}

func TestLazyCreation(t *testing.T) {
	s := New()
	if got := len(s.Tasks()); got != 0 {
		t.Fatalf("Tasks() on empty store = %d entries, want 0", got)
	}

	s.Append("t1", rec("first"))
	if got := s.Tasks(); len(got) != 1 || got[0] != "t1" {
		t.Errorf("Tasks() = %v, want [t1]", got)
	}
}

func TestClearRemovesBuffer(t *testing.T) {
	s := New()
	s.Append("t1", rec("old"))
	s.Append("t1", rec("older"))

	s.Clear("t1")

	if got := s.Get("t1"); got != nil {
		t.Fatalf("Get() after Clear = %v, want nil", got)
	}
	if got := len(s.Tasks()); got != 0 {
		t.Errorf("Tasks() after Clear = %d entries, want 0", got)
	}

	// A new append recreates a fresh sequence.
	s.Append("t1", rec("new"))
	got := s.Get("t1")
	if len(got) != 1 || got[0].Content != "new" {
		t.Errorf("Get() after Clear+Append = %v, want only the new record", got)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := New()
	s.Append("t1", rec("a"))
	s.Append("t1", rec("b"))

	view := s.Get("t1")
	view[0].Content = "mutated"

	if got := s.Get("t1")[0].Content; got != "a" {
		t.Errorf("store record = %q after mutating returned slice, want %q", got, "a")
	}
}

func TestLast(t *testing.T) {
	s := New()
	for i := 0; i < 10; i++ {
		s.Append("t1", rec(fmt.Sprintf("line %d", i)))
	}

	tests := []struct {
		n         int
		wantLen   int
		wantFirst string
	}{
		{3, 3, "line 7"},
		{10, 10, "line 0"},
		{50, 10, "line 0"},
		{0, 0, ""},
		{-1, 0, ""},
	}

	for _, tt := range tests {
		got := s.Last("t1", tt.n)
		if len(got) != tt.wantLen {
			t.Errorf("Last(%d) returned %d records, want %d", tt.n, len(got), tt.wantLen)
			continue
		}
		if tt.wantLen > 0 && got[0].Content != tt.wantFirst {
			t.Errorf("Last(%d)[0] = %q, want %q", tt.n, got[0].Content, tt.wantFirst)
		}
	}
}

func TestMaxPerTask(t *testing.T) {
	s := New(WithMaxPerTask(3))

	for i := 0; i < 5; i++ {
		s.Append("t1", rec(fmt.Sprintf("line %d", i)))
	}

	got := s.Get("t1")
	if len(got) != 3 {
		t.Fatalf("Get() with cap 3 returned %d records, want 3", len(got))
	}
	if got[0].Content != "line 2" || got[2].Content != "line 4" {
		t.Errorf("capped buffer = [%q..%q], want oldest dropped", got[0].Content, got[2].Content)
	}
}

func TestUnboundedByDefault(t *testing.T) {
	s := New()
	for i := 0; i < 5000; i++ {
		s.Append("t1", rec("x"))
	}
	if got := s.Count("t1"); got != 5000 {
		t.Errorf("Count() = %d, want 5000", got)
	}
}

func TestTasksSorted(t *testing.T) {
	s := New()
	for _, id := range []string{"zeta", "alpha", "mid"} {
		s.Append(id, rec("x"))
	}

	got := s.Tasks()
	want := []string{"alpha", "mid", "zeta"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Tasks() = %v, want %v", got, want)
		}
	}
}

func TestConcurrentAccess(t *testing.T) {
	s := New()
	var wg sync.WaitGroup

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			id := fmt.Sprintf("t%d", w)
			for i := 0; i < 200; i++ {
				s.Append(id, rec(fmt.Sprintf("line %d", i)))
			}
		}(w)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			s.Get("t0")
			s.Tasks()
			s.Count("t1")
		}
	}()

	wg.Wait()

	for w := 0; w < 4; w++ {
		id := fmt.Sprintf("t%d", w)
		got := s.Get(id)
		if len(got) != 200 {
			t.Errorf("task %s has %d records, want 200", id, len(got))
		}
		for i, r := range got {
			want := fmt.Sprintf("line %d", i)
			if r.Content != want {
				t.Fatalf("task %s record %d = %q, want %q", id, i, r.Content, want)
			}
		}
	}
}
