package coio

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultStreams(t *testing.T) {
	testScheduler(t, "input defaults are reassignable", 0, func(t *testing.T, s *Scheduler) {
		f, err := s.Open(writeTestFile(t, "from file\n"), "r")
		if err != nil {
			t.Fatal(err)
		}
		defer f.Close()

		s.SetInput(f)
		if s.Input() != f {
			t.Error("expected Input to return the file just set")
		}
		line, err := s.Input().ReadLine()
		if err != nil {
			t.Fatal(err)
		}
		if string(line) != "from file" {
			t.Errorf("expected %q, got: %q", "from file", line)
		}
	})

	testScheduler(t, "OpenInput opens and assigns", 0, func(t *testing.T, s *Scheduler) {
		f, err := s.OpenInput(writeTestFile(t, "42 rest"))
		if err != nil {
			t.Fatal(err)
		}
		defer f.Close()
		if s.Input() != f {
			t.Error("expected the opened file to become the default input")
		}
		n, err := f.ReadNumber()
		if err != nil || n != 42 {
			t.Errorf("expected 42, got: %v (%v)", n, err)
		}
	})

	testScheduler(t, "OpenOutput opens and assigns", 0, func(t *testing.T, s *Scheduler) {
		path := filepath.Join(t.TempDir(), "out")
		f, err := s.OpenOutput(path)
		if err != nil {
			t.Fatal(err)
		}
		if s.Output() != f {
			t.Error("expected the opened file to become the default output")
		}
		if err := f.Write("written"); err != nil {
			t.Fatal(err)
		}
		if err := f.Close(); err != nil {
			t.Fatal(err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != "written" {
			t.Errorf("expected %q, got: %q", "written", data)
		}
	})
}

func TestPackageLevelSurface(t *testing.T) {
	// the package-level functions bind to the process-wide scheduler
	in, err := Open(writeTestFile(t, "one\n3.5\n"), "r")
	if err != nil {
		t.Fatal(err)
	}
	defer in.Close()
	SetInput(in)

	vals, err := Read()
	if err != nil {
		t.Fatal(err)
	}
	if len(vals) != 1 || string(vals[0].([]byte)) != "one" {
		t.Errorf("expected [%q], got: %v", "one", vals)
	}

	vals, err = Read("*n")
	if err != nil {
		t.Fatal(err)
	}
	if len(vals) != 1 || vals[0].(float64) != 3.5 {
		t.Errorf("expected [3.5], got: %v", vals)
	}

	outPath := filepath.Join(t.TempDir(), "out")
	out, err := OpenOutput(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := Write("hi ", 7); err != nil {
		t.Fatal(err)
	}
	if err := Flush(); err != nil {
		t.Fatal(err)
	}
	if err := out.Close(); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hi 7" {
		t.Errorf("expected %q, got: %q", "hi 7", data)
	}

	task := Spawn(func() error {
		return Sleep(0)
	})
	if err := task.Join(); err != nil {
		t.Fatal(err)
	}
}
