package plugins

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/nekobot/internal/storage"
	"github.com/haasonsaas/nekobot/pkg/pluginsdk"
)

const maxArchiveEntries = 10000

// InstallFromPackage extracts a zip archive, moves the package it contains
// into the user plugin directory, installs its dependencies and loads it.
// The package root is the archive root or, failing that, the first
// subdirectory holding both a manifest and an entry module. The scratch
// directory is always removed.
func (rt *Runtime) InstallFromPackage(ctx context.Context, archivePath string, overwrite bool) (desc Descriptor, err error) {
	ctx, span, start := rt.begin(ctx, OpInstall, filepath.Base(archivePath))
	defer func() { rt.end(span, OpInstall, start, err) }()

	if err := os.MkdirAll(rt.cfg.TempDir, 0o755); err != nil {
		return Descriptor{}, newError(OpInstall, KindIO, "", "create temp directory", err)
	}
	scratch := filepath.Join(rt.cfg.TempDir, "install-"+uuid.NewString())
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return Descriptor{}, newError(OpInstall, KindIO, "", "create scratch directory", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(scratch); rmErr != nil {
			rt.logger.Warn("remove scratch directory failed", "dir", scratch, "error", rmErr)
		}
	}()

	if err := extractZip(archivePath, scratch, rt.cfg.MaxArchiveBytes); err != nil {
		return Descriptor{}, err
	}
	root, err := findPackageRoot(scratch)
	if err != nil {
		return Descriptor{}, err
	}
	manifest, err := readPackage(OpInstall, root)
	if err != nil {
		return Descriptor{}, err
	}
	name := manifest.Name

	unlock := rt.locks.Lock(name)
	defer unlock()

	target, err := filepath.Abs(filepath.Join(rt.cfg.PluginDir, name))
	if err != nil {
		return Descriptor{}, newError(OpInstall, KindIO, name, "resolve install path", err)
	}

	rt.mu.RLock()
	existing, loaded := rt.plugins[name]
	rt.mu.RUnlock()
	_, statErr := os.Stat(target)
	onDisk := statErr == nil

	if loaded && existing.official {
		return Descriptor{}, newError(OpInstall, KindOfficial, name, "an official plugin with this name is loaded", nil)
	}
	if (loaded || onDisk) && !overwrite {
		return Descriptor{}, newError(OpInstall, KindAlreadyExists, name, "plugin is already installed", nil)
	}
	if loaded {
		if _, err := rt.unloadLocked(ctx, OpInstall, name); err != nil {
			return Descriptor{}, err
		}
	}
	if onDisk {
		if err := os.RemoveAll(target); err != nil {
			return Descriptor{}, newError(OpInstall, KindIO, name, "remove previous install", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return Descriptor{}, newError(OpInstall, KindIO, name, "create plugin directory", err)
	}
	if err := movePackage(root, target); err != nil {
		return Descriptor{}, newError(OpInstall, KindIO, name, "move package", err)
	}

	if err := rt.deps.Install(ctx, target, manifest); err != nil {
		_ = os.RemoveAll(target)
		return Descriptor{}, newError(OpInstall, KindDependencyFailed, name, "install dependencies", err)
	}

	desc, err = rt.loadLocked(ctx, OpInstall, manifest, target, false)
	if err != nil {
		if rmErr := os.RemoveAll(target); rmErr != nil {
			rt.logger.Warn("remove failed install", "plugin", name, "dir", target, "error", rmErr)
		}
		return Descriptor{}, err
	}
	rt.logger.Info("plugin installed", "plugin", name, "version", manifest.Version, "path", target)
	return desc, nil
}

// Uninstall unloads a user plugin, removes its directory and deletes its
// record. Official plugins are refused.
func (rt *Runtime) Uninstall(ctx context.Context, name string) (err error) {
	ctx, span, start := rt.begin(ctx, OpUninstall, name)
	defer func() { rt.end(span, OpUninstall, start, err) }()

	unlock := rt.locks.Lock(name)
	defer unlock()

	dir := filepath.Join(rt.cfg.PluginDir, name)
	rt.mu.RLock()
	inst, loaded := rt.plugins[name]
	rt.mu.RUnlock()
	if loaded {
		if inst.official {
			return newError(OpUninstall, KindOfficial, name, "official plugins cannot be uninstalled", nil)
		}
		dir = inst.dir
		if _, err := rt.unloadLocked(ctx, OpUninstall, name); err != nil {
			return err
		}
	} else if rec := rt.record(ctx, name); rec != nil {
		if rec.IsOfficial {
			return newError(OpUninstall, KindOfficial, name, "official plugins cannot be uninstalled", nil)
		}
		if rec.InstallPath != "" {
			dir = rec.InstallPath
		}
	} else if _, err := os.Stat(dir); err != nil {
		return newError(OpUninstall, KindNotLoaded, name, "plugin is not installed", nil)
	}

	if !within(rt.cfg.PluginDir, dir) {
		return newError(OpUninstall, KindIO, name, fmt.Sprintf("refusing to remove %s outside the plugin directory", dir), nil)
	}
	if err := os.RemoveAll(dir); err != nil {
		return newError(OpUninstall, KindIO, name, "remove plugin directory", err)
	}
	if rt.store != nil {
		if err := rt.store.Delete(ctx, name); err != nil && !errors.Is(err, storage.ErrNotFound) {
			rt.logger.Warn("delete plugin record failed", "plugin", name, "error", err)
		}
	}
	rt.logger.Info("plugin uninstalled", "plugin", name)
	return nil
}

// extractZip unpacks archivePath into dest, rejecting entries that would
// land outside dest, symlinks, and archives over maxBytes uncompressed.
func extractZip(archivePath, dest string, maxBytes int64) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		if errors.Is(err, zip.ErrInsecurePath) {
			if reader != nil {
				_ = reader.Close()
			}
			return newError(OpInstall, KindUnsafeArchive, "", "archive contains unsafe paths", err)
		}
		return newError(OpInstall, KindNoValidPackage, "", "open archive", err)
	}
	defer reader.Close()

	if len(reader.File) > maxArchiveEntries {
		return newError(OpInstall, KindUnsafeArchive, "", fmt.Sprintf("archive has more than %d entries", maxArchiveEntries), nil)
	}

	cleanDest := filepath.Clean(dest)
	root := cleanDest + string(filepath.Separator)
	var total int64
	for _, f := range reader.File {
		target := filepath.Join(dest, f.Name)
		if target == cleanDest && f.FileInfo().IsDir() {
			continue
		}
		if !strings.HasPrefix(target, root) {
			return newError(OpInstall, KindUnsafeArchive, "", fmt.Sprintf("entry %q escapes the package", f.Name), nil)
		}
		mode := f.Mode()
		if mode&fs.ModeSymlink != 0 {
			return newError(OpInstall, KindUnsafeArchive, "", fmt.Sprintf("entry %q is a symlink", f.Name), nil)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return newError(OpInstall, KindIO, "", "create directory", err)
			}
			continue
		}

		total += int64(f.UncompressedSize64)
		if total > maxBytes {
			return newError(OpInstall, KindUnsafeArchive, "", fmt.Sprintf("archive exceeds %d bytes", maxBytes), nil)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return newError(OpInstall, KindIO, "", "create directory", err)
		}
		if err := extractFile(f, target, maxBytes); err != nil {
			return newError(OpInstall, KindIO, "", fmt.Sprintf("extract %s", f.Name), err)
		}
	}
	return nil
}

func extractFile(f *zip.File, target string, limit int64) error {
	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	perm := f.Mode().Perm()
	if perm == 0 {
		perm = 0o644
	}
	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	n, err := io.Copy(dst, io.LimitReader(src, limit+1))
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err == nil && n > limit {
		err = errors.New("entry exceeds size limit")
	}
	return err
}

// findPackageRoot returns dir when it holds a package, otherwise the first
// subdirectory (by name) that does.
func findPackageRoot(dir string) (string, error) {
	if isPackageDir(dir) {
		return dir, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", newError(OpInstall, KindIO, "", "read extracted archive", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, entry := range entries {
		if !entry.IsDir() || skipDir(entry.Name()) {
			continue
		}
		candidate := filepath.Join(dir, entry.Name())
		if isPackageDir(candidate) {
			return candidate, nil
		}
	}
	return "", newError(OpInstall, KindNoValidPackage, "", fmt.Sprintf("archive holds no directory with %s and %s", pluginsdk.ManifestFilename, pluginsdk.EntryFilename), nil)
}

func isPackageDir(dir string) bool {
	for _, name := range []string{pluginsdk.ManifestFilename, pluginsdk.EntryFilename} {
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil || info.IsDir() {
			return false
		}
	}
	return true
}

// movePackage renames src to dst, copying when they sit on different
// filesystems.
func movePackage(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyTree(src, dst); err != nil {
		_ = os.RemoveAll(dst)
		return err
	}
	return nil
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
