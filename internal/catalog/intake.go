package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

const (
	// intakePageSize is how many directory entries are read per page.
	// Real directory APIs paginate; a single read never delivers a
	// whole large directory, and the cancellation token is checked
	// between pages so a slow recursive scan fails fast.
	intakePageSize = 64

	// sidecarSuffix marks optional per-file metadata sidecars.
	sidecarSuffix = ".meta.yaml"
)

// FileRef is one accepted file, resolved but not yet read.
type FileRef struct {
	// Path is the absolute source path.
	Path string
	// Name is the NFC-normalized base name, after any sidecar override.
	Name string
	// Source is an optional provenance string from the sidecar.
	Source       string
	Size         int64
	LastModified time.Time
}

// Node is one entry of the nested intake tree: a file leaf or a named
// folder with ordered children.
type Node struct {
	File     *FileRef
	Name     string
	Children []Node
}

// IntakeError records one file or directory that could not be
// resolved. Intake never aborts on a per-entry failure.
type IntakeError struct {
	Path string
	Err  error
}

// Selection is the resolved outcome of one intake. Files is populated
// in flatten mode, Tree otherwise.
type Selection struct {
	Files  []FileRef
	Tree   []Node
	Errors []IntakeError
}

// IntakeOptions controls traversal.
type IntakeOptions struct {
	// Flatten collapses folders depth-first into a flat file list.
	// When false, nesting is preserved as an ordered tree.
	Flatten bool
}

// sidecar is the schema of <name>.meta.yaml files.
type sidecar struct {
	Name   string `yaml:"name"`
	Source string `yaml:"source"`
}

// Intake normalizes heterogeneous path selections into a resolved file
// list or tree. It only reads from the filesystem; it never mutates
// application state.
type Intake struct {
	logger *slog.Logger
}

func NewIntake(logger *slog.Logger) *Intake {
	return &Intake{logger: logger}
}

// Collect resolves the given paths. Directories are traversed in pages
// with the context checked before every page read and before resolving
// any file, so cancellation cannot be outrun by a deep scan.
func (in *Intake) Collect(ctx context.Context, paths []string, opts IntakeOptions) (*Selection, error) {
	sel := &Selection{}

	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		abs, err := filepath.Abs(p)
		if err != nil {
			sel.Errors = append(sel.Errors, IntakeError{Path: p, Err: err})
			continue
		}

		info, err := os.Lstat(abs)
		if err != nil {
			sel.Errors = append(sel.Errors, IntakeError{Path: p, Err: err})
			continue
		}

		if info.Mode()&os.ModeSymlink != 0 {
			in.logger.Debug("skipping symlink", slog.String("path", abs))
			continue
		}

		if info.IsDir() {
			children, err := in.walkDir(ctx, abs, opts.Flatten, sel)
			if err != nil {
				return nil, err
			}
			if opts.Flatten {
				continue // walkDir appended files directly
			}
			sel.Tree = append(sel.Tree, Node{Name: nfc(filepath.Base(abs)), Children: children})
			continue
		}

		ref, ok := in.resolveFile(ctx, abs, info, sel)
		if !ok {
			continue
		}
		if opts.Flatten {
			sel.Files = append(sel.Files, ref)
		} else {
			sel.Tree = append(sel.Tree, Node{File: &ref})
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return sel, nil
}

// walkDir traverses one directory depth-first, reading entries in
// pages until a page comes back empty. In flatten mode files are
// appended to sel.Files and the returned slice is nil; otherwise the
// ordered child nodes are returned.
func (in *Intake) walkDir(ctx context.Context, dir string, flatten bool, sel *Selection) ([]Node, error) {
	f, err := os.Open(dir)
	if err != nil {
		sel.Errors = append(sel.Errors, IntakeError{Path: dir, Err: err})
		return nil, nil
	}

	var entries []os.DirEntry
	for {
		if err := ctx.Err(); err != nil {
			f.Close()
			return nil, err
		}

		page, err := f.ReadDir(intakePageSize)
		entries = append(entries, page...)
		if errors.Is(err, io.EOF) || (err == nil && len(page) == 0) {
			break
		}
		if err != nil {
			f.Close()
			sel.Errors = append(sel.Errors, IntakeError{Path: dir, Err: err})
			return nil, nil
		}
	}
	f.Close()

	// Paged reads come back in directory order, which varies by
	// filesystem. Sort for a stable traversal.
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var nodes []Node
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		name := entry.Name()
		if in.shouldSkip(name) {
			continue
		}

		abs := filepath.Join(dir, name)

		if entry.Type()&os.ModeSymlink != 0 {
			in.logger.Debug("skipping symlink", slog.String("path", abs))
			continue
		}

		if entry.IsDir() {
			children, err := in.walkDir(ctx, abs, flatten, sel)
			if err != nil {
				return nil, err
			}
			if !flatten {
				nodes = append(nodes, Node{Name: nfc(name), Children: children})
			}
			continue
		}

		info, err := entry.Info()
		if err != nil {
			sel.Errors = append(sel.Errors, IntakeError{Path: abs, Err: err})
			continue
		}

		ref, ok := in.resolveFile(ctx, abs, info, sel)
		if !ok {
			continue
		}
		if flatten {
			sel.Files = append(sel.Files, ref)
		} else {
			nodes = append(nodes, Node{File: &ref})
		}
	}

	return nodes, nil
}

// resolveFile builds a FileRef, applying any sidecar override.
func (in *Intake) resolveFile(ctx context.Context, abs string, info os.FileInfo, sel *Selection) (FileRef, bool) {
	if err := ctx.Err(); err != nil {
		return FileRef{}, false
	}

	if in.shouldSkip(info.Name()) {
		return FileRef{}, false
	}

	if !info.Mode().IsRegular() {
		in.logger.Debug("skipping irregular file", slog.String("path", abs))
		return FileRef{}, false
	}

	ref := FileRef{
		Path:         abs,
		Name:         nfc(info.Name()),
		Size:         info.Size(),
		LastModified: info.ModTime(),
	}

	if sc, err := loadSidecar(abs); err != nil {
		sel.Errors = append(sel.Errors, IntakeError{Path: abs, Err: fmt.Errorf("sidecar: %w", err)})
	} else if sc != nil {
		if sc.Name != "" {
			ref.Name = nfc(sc.Name)
		}
		ref.Source = sc.Source
	}

	return ref, true
}

// shouldSkip filters hidden files, editor droppings, and sidecars.
func (in *Intake) shouldSkip(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	if strings.HasSuffix(name, "~") || strings.HasSuffix(name, ".swp") {
		return true
	}
	return strings.HasSuffix(name, sidecarSuffix)
}

// loadSidecar reads <path>.meta.yaml if present. A missing sidecar is
// not an error; a malformed one is.
func loadSidecar(path string) (*sidecar, error) {
	data, err := os.ReadFile(path + sidecarSuffix)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var sc sidecar
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filepath.Base(path)+sidecarSuffix, err)
	}

	return &sc, nil
}

// nfc normalizes a name to NFC so files dragged in from macOS (NFD)
// compare and upload consistently.
func nfc(name string) string {
	return norm.NFC.String(name)
}

// BuildDrafts reads each file and probes image geometry, producing
// drafts in input order. A failed probe still creates a draft, just
// without dimensions; the file is recorded as an error file for
// reporting. Probes run independently, so one corrupt file never
// blocks or fails its siblings.
func (in *Intake) BuildDrafts(ctx context.Context, files []FileRef, prober *Prober) ([]*ReplicaDraft, []IntakeError) {
	var drafts []*ReplicaDraft
	var errFiles []IntakeError

	for _, ref := range files {
		if err := ctx.Err(); err != nil {
			return drafts, errFiles
		}

		blob, err := os.ReadFile(ref.Path)
		if err != nil {
			errFiles = append(errFiles, IntakeError{Path: ref.Path, Err: err})
			continue
		}

		d := NewDraft(ref.Name, blob, ref.LastModified)
		d.Source = ref.Source

		g, err := prober.Probe(ctx, bytes.NewReader(blob))
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return drafts, errFiles
			}
			in.logger.Debug("geometry probe failed",
				slog.String("path", ref.Path),
				slog.String("error", err.Error()),
			)
			errFiles = append(errFiles, IntakeError{Path: ref.Path, Err: err})
		} else {
			d.Width = g.Width
			d.Height = g.Height
		}

		drafts = append(drafts, d)
	}

	return drafts, errFiles
}
