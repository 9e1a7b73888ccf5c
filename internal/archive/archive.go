package archive

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/loykin/warden/internal/storage"
)

// Sentinel errors callers match with errors.Is.
var (
	// ErrValidation marks an archive rejected by the traversal-safety
	// predicate or malformed beyond use. One bad entry fails the whole
	// import; nothing under the storage root changes.
	ErrValidation = errors.New("archive failed validation")
	// ErrTooLarge marks an upload over the import size ceiling.
	ErrTooLarge = errors.New("archive exceeds the import size ceiling")
	// ErrUnmanaged marks an import refused because the configuration
	// path is overridden to a location outside the storage root.
	ErrUnmanaged = errors.New("configuration path is outside the storage root")
)

// drivePattern matches Windows-style drive-qualified entry names, which
// have no business inside a portable state archive.
var drivePattern = regexp.MustCompile(`^[A-Za-z]:[\\/]`)

// Result summarizes a completed export or import.
type Result struct {
	Files int
	Bytes int64
}

func (r Result) String() string {
	return fmt.Sprintf("%d files, %d bytes", r.Files, r.Bytes)
}

// Archiver streams the config and workspace subtrees of the storage
// root out as tar+gzip and restores uploads of the same shape.
type Archiver struct {
	root     *storage.Root
	cfg      *storage.ConfigStore
	maxBytes int64
	logger   *slog.Logger
}

func New(root *storage.Root, cfg *storage.ConfigStore, maxBytes int64, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{root: root, cfg: cfg, maxBytes: maxBytes, logger: logger}
}

// Export writes a gzip-compressed tar of the config and workspace
// subtrees to w. Entry names are storage-root-relative slash paths, so
// an export restores into any other root. Content streams through
// without buffering whole files.
func (a *Archiver) Export(w io.Writer) (Result, error) {
	var res Result
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	for _, sub := range []string{a.root.ConfigDir(), a.root.WorkspaceDir()} {
		if err := a.exportTree(tw, sub, &res); err != nil {
			_ = tw.Close()
			_ = gz.Close()
			return res, err
		}
	}
	if err := tw.Close(); err != nil {
		_ = gz.Close()
		return res, fmt.Errorf("finalize archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return res, fmt.Errorf("finalize compression: %w", err)
	}
	return res, nil
}

func (a *Archiver) exportTree(tw *tar.Writer, dir string, res *Result) error {
	rootDir := a.root.Dir()
	return filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p == dir {
				return nil
			}
			return err
		}
		rel, err := filepath.Rel(rootDir, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			hdr := &tar.Header{
				Name:     name + "/",
				Mode:     int64(info.Mode().Perm()),
				Typeflag: tar.TypeDir,
				ModTime:  info.ModTime(),
			}
			return tw.WriteHeader(hdr)
		}
		if !info.Mode().IsRegular() {
			// Sockets, fifos and symlinks do not belong in a state
			// archive; skip rather than fail an export.
			a.logger.Warn("skipping irregular file in export", "path", p)
			return nil
		}

		hdr := &tar.Header{
			Name:    name,
			Mode:    int64(info.Mode().Perm()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(p) // #nosec G304 -- path comes from walking the storage root
		if err != nil {
			return err
		}
		n, err := io.Copy(tw, f)
		_ = f.Close()
		if err != nil {
			return fmt.Errorf("archive %s: %w", name, err)
		}
		res.Files++
		res.Bytes += n
		return nil
	})
}

// Import restores an uploaded archive into the storage root. declared
// is the upload's advertised size (-1 when unknown); a declared size
// over the ceiling is rejected before any body byte is read, and a
// chunked upload is cut off once it exceeds the ceiling mid-stream.
//
// Every entry must pass the traversal-safety predicate and land inside
// the config or workspace subtree. Entries are staged in a temporary
// directory inside the root and merged only after the entire archive
// validated cleanly: a malicious archive leaves the root byte-for-byte
// unchanged. The merge adds and overwrites, never deletes.
func (a *Archiver) Import(r io.Reader, declared int64) (Result, error) {
	var res Result
	if a.maxBytes > 0 && declared > a.maxBytes {
		return res, fmt.Errorf("%w: %d bytes declared, ceiling %d", ErrTooLarge, declared, a.maxBytes)
	}
	if !a.cfg.Managed() {
		return res, fmt.Errorf("%w: %s", ErrUnmanaged, a.cfg.Resolve())
	}

	body := r
	if a.maxBytes > 0 {
		body = &ceilingReader{r: r, remaining: a.maxBytes}
	}

	stage, err := os.MkdirTemp(a.root.Dir(), ".import-")
	if err != nil {
		return res, fmt.Errorf("create staging dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(stage) }()

	if res, err = a.extract(body, stage); err != nil {
		return res, err
	}
	if err := mergeTree(stage, a.root.Dir()); err != nil {
		return res, fmt.Errorf("merge staged files: %w", err)
	}
	a.logger.Info("archive imported", "files", res.Files, "bytes", res.Bytes)
	return res, nil
}

func (a *Archiver) extract(body io.Reader, stage string) (Result, error) {
	var res Result
	gz, err := gzip.NewReader(body)
	if err != nil {
		if errors.Is(err, ErrTooLarge) {
			return res, err
		}
		return res, fmt.Errorf("%w: not a gzip stream: %v", ErrValidation, err)
	}
	defer func() { _ = gz.Close() }()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return res, nil
		}
		if err != nil {
			if errors.Is(err, ErrTooLarge) {
				return res, err
			}
			return res, fmt.Errorf("%w: corrupt tar stream: %v", ErrValidation, err)
		}

		name, err := entryPath(hdr.Name)
		if err != nil {
			return res, err
		}
		target := filepath.Join(stage, filepath.FromSlash(name))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o750); err != nil {
				return res, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
				return res, err
			}
			mode := os.FileMode(hdr.Mode).Perm()
			if mode == 0 {
				mode = 0o600
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode) // #nosec G304 -- target is inside the staging dir by construction
			if err != nil {
				return res, err
			}
			n, err := io.Copy(f, tr)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				if errors.Is(err, ErrTooLarge) {
					return res, err
				}
				return res, fmt.Errorf("extract %s: %w", name, err)
			}
			res.Files++
			res.Bytes += n
		default:
			// Links of any kind can escape the root after merge.
			return res, fmt.Errorf("%w: entry %q has unsupported type %q", ErrValidation, hdr.Name, hdr.Typeflag)
		}
	}
}

// entryPath applies the traversal-safety predicate: no absolute paths,
// no parent-directory segments, no drive-letter prefixes, and the entry
// must live inside the config or workspace subtree. It returns the
// cleaned slash-separated relative path.
func entryPath(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty entry name", ErrValidation)
	}
	if strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`) {
		return "", fmt.Errorf("%w: absolute entry path %q", ErrValidation, name)
	}
	if drivePattern.MatchString(name) {
		return "", fmt.Errorf("%w: drive-qualified entry path %q", ErrValidation, name)
	}
	for _, seg := range strings.FieldsFunc(name, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return "", fmt.Errorf("%w: parent-directory segment in %q", ErrValidation, name)
		}
	}
	clean := path.Clean(strings.ReplaceAll(name, `\`, "/"))
	if clean == "." || clean == "" {
		return "", fmt.Errorf("%w: empty entry path %q", ErrValidation, name)
	}
	first := clean
	if i := strings.IndexByte(clean, '/'); i >= 0 {
		first = clean[:i]
	}
	if first != storage.ConfigSubtree && first != storage.WorkspaceSubtree {
		return "", fmt.Errorf("%w: entry %q outside the %s/ and %s/ subtrees",
			ErrValidation, name, storage.ConfigSubtree, storage.WorkspaceSubtree)
	}
	return clean, nil
}

// mergeTree moves every staged file into place under dst, creating
// directories as needed and overwriting existing files. Nothing is
// deleted: files present under dst but absent from the stage survive.
func mergeTree(stage, dst string) error {
	return filepath.WalkDir(stage, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(stage, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o750)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return err
		}
		// Stage and destination share a filesystem, so rename is atomic
		// per file and replaces any existing content.
		return os.Rename(p, target)
	})
}

// ceilingReader cuts a stream off as soon as it grows past the
// ceiling. A stream of exactly the ceiling passes; the byte after it
// trips ErrTooLarge.
type ceilingReader struct {
	r         io.Reader
	remaining int64
}

func (c *ceilingReader) Read(p []byte) (int, error) {
	if c.remaining < 0 {
		return 0, ErrTooLarge
	}
	if int64(len(p)) > c.remaining+1 {
		p = p[:c.remaining+1]
	}
	n, err := c.r.Read(p)
	if int64(n) <= c.remaining {
		c.remaining -= int64(n)
		return n, err
	}
	n = int(c.remaining)
	c.remaining = -1
	return n, ErrTooLarge
}
