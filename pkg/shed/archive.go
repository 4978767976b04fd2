package shed

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/mixos-go/shed/pkg/changelog"
	"github.com/mixos-go/shed/pkg/errs"
)

func isArchive(filename string) bool {
	return strings.HasSuffix(filename, ".tar.gz") || strings.HasSuffix(filename, ".tgz")
}

// uploadedFiles turns an upload into the files of one commit.
func uploadedFiles(req UploadRequest) (map[string][]byte, error) {
	if req.Filename == "" {
		return nil, errs.Invalidf("Missing required parameter 'filename'.")
	}
	if !isArchive(req.Filename) {
		return map[string][]byte{path.Base(req.Filename): req.Content}, nil
	}

	files, err := ReadArchive(bytes.NewReader(req.Content))
	if err != nil {
		return nil, errs.Invalidf("Unable to read archive %s: %v", req.Filename, err)
	}
	if len(files) == 0 {
		return nil, errs.Invalidf("Archive %s contains no files.", req.Filename)
	}
	return files, nil
}

// ReadArchive reads the regular files of a gzipped tarball.
func ReadArchive(r io.Reader) (map[string][]byte, error) {
	gzr, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	files := map[string][]byte{}

	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		if header.Typeflag != tar.TypeReg {
			continue
		}

		name := strings.TrimPrefix(header.Name, "./")
		if name == "" || name == "." {
			continue
		}

		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, err
		}
		files[name] = data
	}

	return files, nil
}

// WriteArchive writes files as a gzipped tarball with entries in name order.
func WriteArchive(w io.Writer, files map[string][]byte, modTime time.Time) error {
	gzw := gzip.NewWriter(w)
	tw := tar.NewWriter(gzw)

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := tw.WriteHeader(&tar.Header{
			Name:     name,
			Size:     int64(len(files[name])),
			Mode:     0644,
			ModTime:  modTime,
			Typeflag: tar.TypeReg,
		}); err != nil {
			return err
		}
		if _, err := tw.Write(files[name]); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gzw.Close()
}

// Archive writes the content of a repository at changeset as a tarball.
func (s *Shed) Archive(w io.Writer, owner, name, changeset string) error {
	repo, err := s.db.GetRepositoryByName(owner, name)
	if err != nil {
		return err
	}
	changesets, err := s.cl.Log(repo.path())
	if err != nil {
		return err
	}
	cs, ok := changelog.Find(changesets, changeset)
	if (changeset == "" || changeset == "tip") && len(changesets) > 0 {
		cs, ok = changesets[len(changesets)-1], true
	}
	if !ok {
		return errs.NotFoundf("changeset revision %s is not in repository %s", changeset, name)
	}

	files, err := s.cl.Files(repo.path(), cs.Revision)
	if err != nil {
		return fmt.Errorf("failed to read changeset %s: %w", cs.Revision, err)
	}
	return WriteArchive(w, files, cs.Time)
}
