// archive/archive.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package archive packages volumes--directories under the backup
// root--into per-period tar.gz archives, and extracts them again at
// restore time.  The chunk codec only sees the resulting archive files as
// byte streams.

package archive

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/b2keep/b2keep/chunk"
	u "github.com/b2keep/b2keep/util"
)

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

// Create archives the directory dir/volume into
// dir/{period}-{volume}.tar.gz.  Entry names inside the tar are relative
// to dir, so they start with the volume name, matching where extraction
// puts them back.
func Create(dir, period, volume string) error {
	root := filepath.Join(dir, volume)
	if fi, err := os.Stat(root); err != nil {
		return err
	} else if !fi.IsDir() {
		return fmt.Errorf("%s: not a directory", root)
	}

	out, err := os.Create(filepath.Join(dir, chunk.ArchiveName(period, volume)))
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		return addEntry(tw, dir, path, info)
	})

	if cerr := tw.Close(); err == nil {
		err = cerr
	}
	if cerr := gz.Close(); err == nil {
		err = cerr
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}

func addEntry(tw *tar.Writer, dir, path string, info os.FileInfo) error {
	var link string
	if info.Mode()&os.ModeSymlink != 0 {
		var err error
		if link, err = os.Readlink(path); err != nil {
			return err
		}
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return err
	}
	hdr.Name = filepath.ToSlash(rel)
	if info.IsDir() {
		hdr.Name += "/"
	}

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Extract unpacks the tar.gz archive at path into destDir.
func Extract(path, destDir string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		name := filepath.FromSlash(hdr.Name)
		if filepath.IsAbs(name) || strings.Contains(name, "..") {
			return errors.New(hdr.Name + ": refusing to extract outside destination")
		}
		target := filepath.Join(destDir, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0700); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC,
				os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			_, err = io.Copy(out, tr)
			if cerr := out.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0700); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		default:
			log.Warning("%s: skipping unhandled tar entry type %d", hdr.Name,
				hdr.Typeflag)
		}
	}
}

// List returns the filenames of local archives in dir belonging to the
// given volumes, in sorted order.
func List(dir string, volumes []string) ([]string, error) {
	known := make(map[string]struct{})
	for _, volume := range volumes {
		known[volume] = struct{}{}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		_, volume, ok := chunk.ParseArchiveName(e.Name())
		if !ok {
			continue
		}
		if _, ok := known[volume]; !ok {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}
