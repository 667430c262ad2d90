package languages

import "testing"

func TestLookupAliases(t *testing.T) {
	r := Default()
	for _, tag := range []string{"python", "Python-Like", " py ", "python3"} {
		l, ok := r.Lookup(tag)
		if !ok {
			t.Errorf("Lookup(%q) not found", tag)
			continue
		}
		if l.Name != "python" {
			t.Errorf("Lookup(%q) = %q, want python", tag, l.Name)
		}
	}
	if _, ok := r.Lookup("cobol"); ok {
		t.Error("expected cobol to be unsupported")
	}
}

func TestNewRegistryOverride(t *testing.T) {
	custom := Python
	custom.Command = []string{"/opt/py/bin/python", "{file}"}
	r, err := NewRegistry(Python, custom)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	l, _ := r.Lookup("py")
	if l.Command[0] != "/opt/py/bin/python" {
		t.Errorf("command = %v, want override", l.Command)
	}
	if names := r.Names(); len(names) != 1 {
		t.Errorf("names = %v, want one entry", names)
	}
}

func TestNewRegistryRejectsIncomplete(t *testing.T) {
	if _, err := NewRegistry(Language{Name: "x"}); err == nil {
		t.Error("expected error for missing command")
	}
}
