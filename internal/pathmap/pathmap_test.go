package pathmap

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestToContainerPath(t *testing.T) {
	tests := []struct {
		cwd, p, want string
	}{
		{"/home/user/proj", "/home/user/proj", ContainerMount},
		{"/home/user/proj", "/home/user/proj/app.py", ContainerMount + "/app.py"},
		{"/home/user/proj", "./app.py", ContainerMount + "/app.py"},
		{"/home/user/proj", "sub/dir/app.py", ContainerMount + "/sub/dir/app.py"},
		{"/home/user/proj", "/etc/passwd", "/etc/passwd"},
		{"/home/user/proj", "../sibling/app.py", "../sibling/app.py"},
	}
	for _, test := range tests {
		if got := ToContainerPath(test.cwd, test.p); got != test.want {
			t.Errorf("ToContainerPath(%q, %q) = %q, want %q", test.cwd, test.p, got, test.want)
		}
	}
}

// TestToContainerPath_bareTokens covers the rewrite's path-reference gate:
// a separator-free token is only rewritten when it names a real file
// under cwd, not merely because it resolves there lexically. This keeps
// PATH-resolved launcher names ("python") and bare subcommand words
// ("start") untouched.
func TestToContainerPath_bareTokens(t *testing.T) {
	cwd := t.TempDir()
	if err := os.WriteFile(filepath.Join(cwd, "data.csv"), []byte("x"), 0o644); err != nil {
		t.Fatalf("writing fixture file: %v", err)
	}

	if got, want := ToContainerPath(cwd, "data.csv"), ContainerMount+"/data.csv"; got != want {
		t.Errorf("ToContainerPath(%q, data.csv) = %q, want %q", cwd, got, want)
	}
	if got := ToContainerPath(cwd, "python"); got != "python" {
		t.Errorf("ToContainerPath(%q, python) = %q, want unchanged launcher name", cwd, got)
	}
	if got := ToContainerPath(cwd, "start"); got != "start" {
		t.Errorf("ToContainerPath(%q, start) = %q, want unchanged subcommand word", cwd, got)
	}
}

func TestIsAbsoluteOutsideCwd(t *testing.T) {
	tests := []struct {
		cwd, p string
		want   bool
	}{
		{"/home/user/proj", "/home/user/proj/app.py", false},
		{"/home/user/proj", "/etc/passwd", true},
		{"/home/user/proj", "app.py", false},
		{"/home/user/proj", "C:\\Users\\x\\app.py", true},
		{"/home/user/proj", "/mnt/c/Users/x/app.py", true},
	}
	for _, test := range tests {
		if got := IsAbsoluteOutsideCwd(test.cwd, test.p); got != test.want {
			t.Errorf("IsAbsoluteOutsideCwd(%q, %q) = %v, want %v", test.cwd, test.p, got, test.want)
		}
	}
}

func TestClassifyArgs(t *testing.T) {
	cwd := "/home/user/proj"
	argv := []string{"python3", "--cfg=/etc/app.conf", "-o", "/tmp/out.json", "data.csv", "--verbose"}
	classes := ClassifyArgs(cwd, argv)

	if len(classes) != len(argv)-1 {
		t.Fatalf("ClassifyArgs returned %d entries, want %d", len(classes), len(argv)-1)
	}

	// argv[1] = "--cfg=/etc/app.conf": embedded path, unmapped (outside cwd)
	if classes[0].EmbeddedPath != "/etc/app.conf" || !classes[0].Unmapped {
		t.Errorf("classes[0] = %+v, want EmbeddedPath=/etc/app.conf Unmapped=true", classes[0])
	}
	// argv[2] = "-o": a flag, not a path itself
	if classes[1].IsPositional || classes[1].EmbeddedPath != "" {
		t.Errorf("classes[1] = %+v, want plain flag", classes[1])
	}
	// argv[3] = "/tmp/out.json": value of -o, embedded path, unmapped
	if classes[2].EmbeddedPath != "/tmp/out.json" || !classes[2].Unmapped {
		t.Errorf("classes[2] = %+v, want EmbeddedPath=/tmp/out.json Unmapped=true", classes[2])
	}
	// argv[4] = "data.csv": positional, resolves under cwd, not unmapped
	if !classes[3].IsPositional || classes[3].Unmapped {
		t.Errorf("classes[3] = %+v, want IsPositional=true Unmapped=false", classes[3])
	}
	// argv[5] = "--verbose": plain flag
	if classes[4].IsPositional || classes[4].EmbeddedPath != "" {
		t.Errorf("classes[4] = %+v, want plain flag", classes[4])
	}
}

func TestRewriteForContainer(t *testing.T) {
	cwd := t.TempDir()
	if err := os.WriteFile(filepath.Join(cwd, "data.csv"), []byte("x"), 0o644); err != nil {
		t.Fatalf("writing fixture file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(cwd, "app.py"), []byte("x"), 0o644); err != nil {
		t.Fatalf("writing fixture file: %v", err)
	}

	argv := []string{"./app.py", "--cfg=/etc/app.conf", "data.csv", "--verbose"}
	got := RewriteForContainer(cwd, argv)
	want := []string{
		ContainerMount + "/app.py",
		"--cfg=/etc/app.conf", // outside cwd, left untouched (unmapped)
		ContainerMount + "/data.csv",
		"--verbose",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("RewriteForContainer = %v, want %v", got, want)
	}
}

// TestRewriteForContainer_bareLauncher covers the common "python app.py"
// invocation: argv[0] is a PATH-resolved interpreter name with no path
// separator and no file of that name under cwd, so it must be left
// alone while the positional script path is still rewritten.
func TestRewriteForContainer_bareLauncher(t *testing.T) {
	cwd := t.TempDir()
	if err := os.WriteFile(filepath.Join(cwd, "app.py"), []byte("x"), 0o644); err != nil {
		t.Fatalf("writing fixture file: %v", err)
	}

	got := RewriteForContainer(cwd, []string{"python", "app.py"})
	want := []string{"python", ContainerMount + "/app.py"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("RewriteForContainer = %v, want %v", got, want)
	}

	got = RewriteForContainer(cwd, []string{"npm", "start"})
	want = []string{"npm", "start"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("RewriteForContainer(npm start) = %v, want %v", got, want)
	}
}

func TestRewriteForContainer_emptyArgv(t *testing.T) {
	if got := RewriteForContainer("/home/user/proj", nil); got != nil {
		t.Errorf("RewriteForContainer(nil) = %v, want nil", got)
	}
}
