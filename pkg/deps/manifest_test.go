package deps

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	input := `# web stack
Flask>=2.0
requests==2.0
gunicorn
requests[security] >= 2.31  # extras
-r other.txt
--index-url https://example.com/simple
-e git+https://example.com/repo.git#egg=thing
pywin32==306; sys_platform == "win32"

`
	got, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	want := []Dependency{
		{Name: "flask", Version: ">=2.0"},
		{Name: "requests", Version: "==2.0"},
		{Name: "gunicorn"},
		{Name: "requests", Version: ">=2.31"},
		{Name: "pywin32", Version: "==306"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Parse() = %+v\nwant %+v", got, want)
	}
}

func TestDependencyString(t *testing.T) {
	tests := []struct {
		dep  Dependency
		want string
	}{
		{Dependency{Name: "gunicorn"}, "gunicorn"},
		{Dependency{Name: "requests", Version: "==2.0"}, "requests==2.0"},
		{Dependency{Name: "flask", Version: "2.0"}, "flask==2.0"},
		{Dependency{Name: "pip", Version: "<21"}, "pip<21"},
	}
	for _, tt := range tests {
		if got := tt.dep.String(); got != tt.want {
			t.Errorf("%+v.String() = %q, want %q", tt.dep, got, tt.want)
		}
	}
}

func TestNames(t *testing.T) {
	got := Names([]Dependency{{Name: "requests"}, {Name: "gunicorn"}, {Name: "requests", Version: ">=2"}})
	want := []string{"gunicorn", "requests"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}
}

func TestIsManifest(t *testing.T) {
	if !IsManifest("app/requirements.txt") {
		t.Error("app/requirements.txt should be a manifest")
	}
	if IsManifest("app/main.py") {
		t.Error("app/main.py should not be a manifest")
	}
}

func TestScratchCopyLeavesOriginalUntouched(t *testing.T) {
	dir := t.TempDir()
	orig := filepath.Join(dir, RequirementsFile)
	if err := os.WriteFile(orig, []byte("requests==2.0"), 0644); err != nil {
		t.Fatal(err)
	}

	s, err := ScratchCopy(orig, "gunicorn")
	if err != nil {
		t.Fatalf("ScratchCopy failed: %v", err)
	}
	defer s.Remove()

	if filepath.Dir(s.Path) == dir {
		t.Error("scratch copy should not live next to the original")
	}

	data, err := os.ReadFile(s.Path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "requests==2.0\ngunicorn" {
		t.Errorf("scratch content = %q", data)
	}

	origData, _ := os.ReadFile(orig)
	if string(origData) != "requests==2.0" {
		t.Errorf("original manifest was modified: %q", origData)
	}

	s.Remove()
	if _, err := os.Stat(s.Path); !os.IsNotExist(err) {
		t.Error("Remove should delete the scratch file")
	}
	s.Remove()
}

func TestScratchCopyMissingOriginal(t *testing.T) {
	s, err := ScratchCopy(filepath.Join(t.TempDir(), RequirementsFile), "gunicorn")
	if err != nil {
		t.Fatalf("ScratchCopy failed: %v", err)
	}
	defer s.Remove()

	deps, err := ParseRequirements(s.Path)
	if err != nil {
		t.Fatal(err)
	}
	if len(deps) != 1 || deps[0].Name != "gunicorn" {
		t.Errorf("deps = %+v, want only gunicorn", deps)
	}
}

func TestFingerprint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, RequirementsFile)

	empty, err := Fingerprint(path)
	if err != nil || empty != "" {
		t.Fatalf("missing manifest: got %q, %v", empty, err)
	}

	os.WriteFile(path, []byte("requests==2.0\n"), 0644)
	a, err := Fingerprint(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != 16 {
		t.Errorf("fingerprint %q should be 16 hex digits", a)
	}

	b, _ := Fingerprint(path)
	if a != b {
		t.Error("fingerprint should be deterministic")
	}

	os.WriteFile(path, []byte("requests==2.1\n"), 0644)
	c, _ := Fingerprint(path)
	if a == c {
		t.Error("fingerprint should change with content")
	}
}
