package agent

import "testing"

func TestMergeFiles(t *testing.T) {
	t.Run("last write wins", func(t *testing.T) {
		s := NewRunState()
		if err := s.MergeFiles(map[string]string{"a.txt": "1", "b.txt": "2"}); err != nil {
			t.Fatal(err)
		}
		if err := s.MergeFiles(map[string]string{"a.txt": "updated"}); err != nil {
			t.Fatal(err)
		}
		if s.Files["a.txt"] != "updated" || s.Files["b.txt"] != "2" {
			t.Errorf("unexpected files: %v", s.Files)
		}
	})

	t.Run("idempotent", func(t *testing.T) {
		s := NewRunState()
		batch := map[string]string{"footer.html": "<footer/>"}
		s.MergeFiles(batch)
		s.MergeFiles(batch)
		if len(s.Files) != 1 || s.Files["footer.html"] != "<footer/>" {
			t.Errorf("unexpected files: %v", s.Files)
		}
	})

	t.Run("frozen after summary", func(t *testing.T) {
		s := NewRunState()
		s.Summary = "<task_summary>done</task_summary>"
		if err := s.MergeFiles(map[string]string{"x": "y"}); err != ErrRunFinished {
			t.Errorf("expected ErrRunFinished, got %v", err)
		}
		if len(s.Files) != 0 {
			t.Errorf("files mutated after completion: %v", s.Files)
		}
	})
}

func TestTaskSummary(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"<task_summary>Added footer</task_summary>", true},
		{"prose before <task_summary>x", true},
		{"no marker here", false},
		{"", false},
	}
	for _, c := range cases {
		if got := TaskSummary(c.text); got != c.want {
			t.Errorf("TaskSummary(%q) = %v, want %v", c.text, got, c.want)
		}
	}
}
