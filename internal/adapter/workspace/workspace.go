// Package workspace manages the per-submission host directory tree: its
// fixed subdirectory schema, path-containment invariant, and optional
// debug archiving.
package workspace

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/gzip"
	"github.com/oklog/ulid/v2"

	"github.com/judgeworker/worker/internal/domain"
)

// Workspace is a lifetime-scoped on-host directory tree for one
// submission's pipeline run.
type Workspace struct {
	Root          string
	SubmissionDir string
	ProblemDir    string
	LibDir        string
	BuildDir      string
	RunDir        string
	LogsDir       string
}

// Manager creates, populates, and tears down Workspaces rooted under a
// single configured workspace_root.
type Manager struct {
	root string
}

// New constructs a Manager bound to root. It fails with
// domain.ErrFilesystem if root is not a writable directory.
func New(root string) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("op=workspace.New: %w: %v", domain.ErrFilesystem, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("op=workspace.New: %w: %v", domain.ErrFilesystem, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("op=workspace.New: %w: %s is not a directory", domain.ErrFilesystem, abs)
	}
	probe := filepath.Join(abs, ".write_probe")
	if err := os.WriteFile(probe, []byte{}, 0o600); err != nil {
		return nil, fmt.Errorf("op=workspace.New: %w: root not writable: %v", domain.ErrFilesystem, err)
	}
	_ = os.Remove(probe)
	return &Manager{root: abs}, nil
}

// Acquire creates the directory skeleton for one submission under a
// fresh transient directory named after submissionID.
func (m *Manager) Acquire(submissionID string) (*Workspace, error) {
	base, err := SafeJoin(m.root, submissionID)
	if err != nil {
		return nil, err
	}
	ws := &Workspace{
		Root:          base,
		SubmissionDir: filepath.Join(base, "submission"),
		ProblemDir:    filepath.Join(base, "problem"),
		LibDir:        filepath.Join(base, "lib"),
		BuildDir:      filepath.Join(base, "build"),
		RunDir:        filepath.Join(base, "run"),
		LogsDir:       filepath.Join(base, "logs"),
	}
	for _, dir := range []string{ws.SubmissionDir, ws.ProblemDir, ws.LibDir, ws.BuildDir, ws.RunDir, ws.LogsDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("op=workspace.Acquire: %w: %v", domain.ErrFilesystem, err)
		}
	}
	return ws, nil
}

// Release tears down ws. When keepForDebug is true the tree is
// compressed into a single gzip tarball in <root>/.debug-archive/ named
// with a sortable ULID, instead of being deleted in place.
func (m *Manager) Release(ws *Workspace, keepForDebug bool) error {
	if ws == nil {
		return nil
	}
	if keepForDebug {
		if err := m.archive(ws); err != nil {
			return err
		}
	}
	if err := os.RemoveAll(ws.Root); err != nil {
		return fmt.Errorf("op=workspace.Release: %w: %v", domain.ErrFilesystem, err)
	}
	return nil
}

func (m *Manager) archive(ws *Workspace) error {
	archiveDir := filepath.Join(m.root, ".debug-archive")
	if err := os.MkdirAll(archiveDir, 0o750); err != nil {
		return fmt.Errorf("op=workspace.archive: %w: %v", domain.ErrFilesystem, err)
	}
	name := ulid.Make().String() + ".tar.gz"
	dest := filepath.Join(archiveDir, name)

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("op=workspace.archive: %w: %v", domain.ErrFilesystem, err)
	}
	defer func() { _ = f.Close() }()

	gw := gzip.NewWriter(f)
	defer func() { _ = gw.Close() }()
	tw := tar.NewWriter(gw)
	defer func() { _ = tw.Close() }()

	return filepath.Walk(ws.Root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(ws.Root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = src.Close() }()
		_, err = io.Copy(tw, src)
		return err
	})
}

// SafeJoin joins root and elem, rejecting any result that escapes root
// via "..", an absolute subpath, or a symlink. It enforces Testable
// Property 1 (containment) for every write under a workspace.
func SafeJoin(root, elem string) (string, error) {
	if filepath.IsAbs(elem) {
		return "", fmt.Errorf("op=workspace.SafeJoin: %w: %q is absolute", domain.ErrContainment, elem)
	}
	joined := filepath.Join(root, elem)
	rootClean := filepath.Clean(root) + string(os.PathSeparator)
	if joined != filepath.Clean(root) && !strings.HasPrefix(joined+string(os.PathSeparator), rootClean) {
		return "", fmt.Errorf("op=workspace.SafeJoin: %w: %q escapes %q", domain.ErrContainment, elem, root)
	}
	if target, err := filepath.EvalSymlinks(joined); err == nil {
		if !strings.HasPrefix(target+string(os.PathSeparator), rootClean) && target != filepath.Clean(root) {
			return "", fmt.Errorf("op=workspace.SafeJoin: %w: %q resolves outside %q", domain.ErrContainment, elem, root)
		}
	}
	return joined, nil
}

// declaredExecutableMIMEs are sniffed types that must never be accepted
// as an auxiliary header/source file, regardless of file extension.
var declaredExecutableMIMEs = []string{
	"application/x-executable",
	"application/x-elf",
	"application/x-sharedlib",
	"application/x-mach-binary",
	"application/x-dosexec",
}

// StageAuxFile writes data to destPath (inside a workspace's lib/ dir),
// rejecting content whose sniffed MIME type is an executable binary
// regardless of its declared name.
func StageAuxFile(destPath string, data []byte) error {
	mtype := mimetype.Detect(data)
	for parent := mtype; parent != nil; parent = parent.Parent() {
		for _, bad := range declaredExecutableMIMEs {
			if parent.Is(bad) {
				return fmt.Errorf("op=workspace.StageAuxFile: %w: %s sniffed as %s, refusing to stage as source/header",
					domain.ErrFilesystem, filepath.Base(destPath), parent.String())
			}
		}
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o750); err != nil {
		return fmt.Errorf("op=workspace.StageAuxFile: %w: %v", domain.ErrFilesystem, err)
	}
	if err := os.WriteFile(destPath, data, 0o640); err != nil {
		return fmt.Errorf("op=workspace.StageAuxFile: %w: %v", domain.ErrFilesystem, err)
	}
	return nil
}
