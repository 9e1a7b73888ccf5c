package archive

import (
	"path/filepath"
	"strings"
	"testing"
)

// FuzzEntryPath checks the traversal-safety predicate never panics and
// never accepts a name that would resolve outside the storage root or
// outside the config/ and workspace/ subtrees.
func FuzzEntryPath(f *testing.F) {
	f.Add("config/backend.json")
	f.Add("workspace/data/db.sqlite")
	f.Add("")
	f.Add(".")
	f.Add("..")
	f.Add("../../etc/passwd")
	f.Add("config/../../../etc/passwd")
	f.Add("/etc/passwd")
	f.Add(`\windows\system32`)
	f.Add(`C:\Windows\System32\drivers`)
	f.Add(`config\..\..\evil.sh`)
	f.Add("var/log/x")
	f.Add("config/a//b")
	f.Add("workspace/a\x00b")

	f.Fuzz(func(t *testing.T, name string) {
		if len(name) > 500 {
			t.Skip("name too long")
		}

		clean, err := entryPath(name)
		if err != nil {
			return
		}

		for _, seg := range strings.FieldsFunc(name, func(r rune) bool { return r == '/' || r == '\\' }) {
			if seg == ".." {
				t.Errorf("accepted name with parent segment: %q -> %q", name, clean)
			}
		}
		if strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`) {
			t.Errorf("accepted absolute name: %q -> %q", name, clean)
		}
		if filepath.IsAbs(clean) {
			t.Errorf("cleaned path is absolute: %q -> %q", name, clean)
		}
		first, _, _ := strings.Cut(clean, "/")
		if first != "config" && first != "workspace" {
			t.Errorf("accepted entry outside the managed subtrees: %q -> %q", name, clean)
		}
		// Joining under a root must stay under that root.
		joined := filepath.Join("/stage", filepath.FromSlash(clean))
		if !strings.HasPrefix(joined, "/stage"+string(filepath.Separator)) {
			t.Errorf("cleaned path escapes the staging dir: %q -> %q", name, joined)
		}

		again, err := entryPath(name)
		if err != nil || again != clean {
			t.Errorf("entryPath inconsistent for %q: %q/%v vs %q", name, clean, err, again)
		}
	})
}
