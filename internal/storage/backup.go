package storage

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// backupTarget returns <dir>/YYYY/MM/DD/Database-YYYY-MM-DD-HH-MM-SS<ext>
// and creates the day directory.
func backupTarget(dir string, now time.Time, ext string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return "", errors.New("backup dir is not configured")
	}
	day := filepath.Join(dir, now.Format("2006"), now.Format("01"), now.Format("02"))
	if err := os.MkdirAll(day, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}
	return filepath.Join(day, "Database-"+now.Format("2006-01-02-15-04-05")+ext), nil
}

// packAndRemove writes src into src+".tar.gz" and removes src.
func packAndRemove(src string) (string, error) {
	dst := src + ".tar.gz"
	if err := packTarGz(src, dst); err != nil {
		_ = os.Remove(dst)
		return "", err
	}
	if err := os.Remove(src); err != nil {
		return "", err
	}
	return dst, nil
}

func packTarGz(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	fi, err := in.Stat()
	if err != nil {
		return err
	}

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = out.Close()
			_ = os.Remove(tmp)
		}
	}()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)
	hdr, err := tar.FileInfoHeader(fi, "")
	if err != nil {
		return err
	}
	hdr.Name = filepath.Base(src)
	if err = tw.WriteHeader(hdr); err != nil {
		return err
	}
	if _, err = io.Copy(tw, in); err != nil {
		return err
	}
	if err = tw.Close(); err != nil {
		return err
	}
	if err = gz.Close(); err != nil {
		return err
	}
	if err = out.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}
