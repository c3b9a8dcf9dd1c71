package sandbox

import (
	"strings"
	"testing"
)

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/repo/plain.txt", "'/repo/plain.txt'"},
		{"/repo/with space.txt", "'/repo/with space.txt'"},
		{"/repo/$HOME.txt", "'/repo/$HOME.txt'"},
		{"/repo/`id`.txt", "'/repo/`id`.txt'"},
		{"/repo/it's.txt", `'/repo/it'\''s.txt'`},
	}
	for _, tt := range tests {
		if got := shellQuote(tt.in); got != tt.want {
			t.Errorf("shellQuote(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestContainerScriptsQuotePaths(t *testing.T) {
	// Paths reach bash single-quoted, so shell metacharacters in file
	// names stay literal.
	target := "/repo/$(touch pwned).txt"

	for name, script := range map[string]string{
		"read":   readFileScript(target),
		"write":  writeFileScript(target, "aGk="),
		"delete": deleteFileScript(target),
	} {
		if !strings.Contains(script, shellQuote(target)) {
			t.Errorf("%s script does not single-quote the path: %s", name, script)
		}
		if strings.Contains(script, `"`+target+`"`) {
			t.Errorf("%s script leaves the path double-quoted: %s", name, script)
		}
	}
}

func TestContainerListingMarksOnlyDirectories(t *testing.T) {
	// ls -1p appends a slash to directories and nothing to other entry
	// kinds, matching the local backend. -F would also tag executables
	// (*), symlinks (@) and FIFOs (|), producing names no read_file call
	// could resolve.
	script := readFileScript("/repo/src")
	if !strings.Contains(script, "ls -1p ") {
		t.Errorf("directory listing does not use -1p: %s", script)
	}
	if strings.Contains(script, "-1F") {
		t.Errorf("directory listing still uses -1F: %s", script)
	}
}

func TestWriteFileScriptCreatesParentDir(t *testing.T) {
	script := writeFileScript("/repo/deep/nested/file.txt", "aGk=")
	if !strings.Contains(script, "mkdir -p '/repo/deep/nested'") {
		t.Errorf("missing parent dir creation: %s", script)
	}
	if !strings.Contains(script, "base64 -d > '/repo/deep/nested/file.txt'") {
		t.Errorf("missing decode redirect: %s", script)
	}
}
