package history

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// zipDir compresses the contents of srcDir into a zip archive at zipPath,
// with entry names relative to srcDir. An existing archive is replaced.
func zipDir(srcDir, zipPath string) error {
	if err := os.Remove(zipPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale archive: %w", err)
	}

	f, err := os.Create(zipPath)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)

	err = filepath.Walk(srcDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(srcDir, p)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		src, err := os.Open(p)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(w, src)
		return err
	})
	if err != nil {
		zw.Close()
		return fmt.Errorf("write archive: %w", err)
	}
	return zw.Close()
}

// zipFlat writes the given arcname -> source map into a new archive.
func zipFlat(sources map[string]string, zipPath string) error {
	if err := os.Remove(zipPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale archive: %w", err)
	}

	f, err := os.Create(zipPath)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	for arcname, srcPath := range sources {
		w, err := zw.Create(arcname)
		if err != nil {
			zw.Close()
			return err
		}
		src, err := os.Open(srcPath)
		if err != nil {
			zw.Close()
			return err
		}
		_, err = io.Copy(w, src)
		src.Close()
		if err != nil {
			zw.Close()
			return err
		}
	}
	return zw.Close()
}

// copyFile copies src to dst, truncating any existing destination.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
