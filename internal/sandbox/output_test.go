package sandbox

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCappedBufferTruncates(t *testing.T) {
	var tee bytes.Buffer
	b := newCappedBuffer(5, &tee)

	n, err := b.Write([]byte("abc"))
	if err != nil || n != 3 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	n, err = b.Write([]byte("defgh"))
	if err != nil || n != 5 {
		t.Fatalf("Write = %d, %v; a full write must be reported", n, err)
	}
	b.Write([]byte("more"))

	if got := b.String(); got != "abcde" {
		t.Errorf("buffer = %q, want %q", got, "abcde")
	}
	if !b.Truncated() {
		t.Error("expected truncated")
	}
	if tee.String() != "abcde" {
		t.Errorf("tee = %q, want the kept bytes only", tee.String())
	}
}

func TestCappedBufferUnlimited(t *testing.T) {
	b := newCappedBuffer(0, nil)
	b.Write([]byte(strings.Repeat("x", 1<<16)))
	if len(b.String()) != 1<<16 || b.Truncated() {
		t.Errorf("unlimited buffer dropped data")
	}
}

func TestSnapshot(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "main.py"), []byte("print(1)"), 0o644)
	os.MkdirAll(filepath.Join(dir, "out"), 0o755)
	os.WriteFile(filepath.Join(dir, "out", "plot.png"), []byte("png"), 0o644)
	os.Symlink("/etc/passwd", filepath.Join(dir, "link"))

	entries, err := Snapshot(dir)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2: %+v", len(entries), entries)
	}
	if entries[0].Name != "main.py" || entries[1].Name != "out/plot.png" {
		t.Errorf("names = %q, %q", entries[0].Name, entries[1].Name)
	}
	if entries[1].Size != 3 {
		t.Errorf("size = %d, want 3", entries[1].Size)
	}
}

func TestExpandCommand(t *testing.T) {
	got := expandCommand([]string{"python3", "-I", "{file}"}, "/workspace/main.py")
	want := []string{"python3", "-I", "/workspace/main.py"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("argv[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestWorkspacePath(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{"main.py", "/workspace/main.py", false},
		{"out/plot.png", "/workspace/out/plot.png", false},
		{"../etc/passwd", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := workspacePath(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("workspacePath(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("workspacePath(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestParseFindOutput(t *testing.T) {
	in := "plot.png\t1024\t1700000000.5\nmain.py\t10\t1700000000.0\nbroken line\n"
	entries := parseFindOutput(strings.NewReader(in))
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Name != "main.py" || entries[1].Size != 1024 {
		t.Errorf("unexpected entries: %+v", entries)
	}
}

func TestPolicyImageAllowlist(t *testing.T) {
	p := DefaultPolicy()
	if !p.IsImageAllowed("python:3.12-slim") {
		t.Error("default image should be allowed")
	}
	if p.IsImageAllowed("ubuntu:latest") {
		t.Error("unlisted image should be rejected")
	}
	p.Images = nil
	if !p.IsImageAllowed("anything") {
		t.Error("empty allowlist should allow any image")
	}
}
