package build

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// tarDirectory streams dir as an uncompressed tar archive. Entries are
// emitted in lexical walk order so the same tree always produces the same
// archive, which keeps the daemon's layer cache effective. VCS metadata is
// excluded; symlinks are preserved as links.
func tarDirectory(dir string, w io.Writer) error {
	tw := tar.NewWriter(w)

	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if entry.IsDir() && entry.Name() == ".git" {
			return filepath.SkipDir
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}
		var link string
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if entry.IsDir() {
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
		_ = f.Close()
		return err
	})
	if err != nil {
		return fmt.Errorf("archive build context %q: %w", dir, err)
	}
	return tw.Close()
}

var (
	fromStageRe = regexp.MustCompile(`(?im)^\s*FROM\s+\S+\s+AS\s+(\S+)\s*$`)
	copyFromRe  = regexp.MustCompile(`(?im)^\s*COPY\s+--from=(\S+)`)
)

// validateStageRefs rejects multi-stage build descriptions whose
// COPY --from references do not resolve to a declared stage, a stage index,
// or an external image. Caught here so a typo fails before the daemon ever
// receives the context.
func validateStageRefs(dockerfile string) error {
	stages := make(map[string]bool)
	stageCount := 0
	for _, line := range strings.Split(dockerfile, "\n") {
		upper := strings.ToUpper(strings.TrimSpace(line))
		if strings.HasPrefix(upper, "FROM ") {
			stageCount++
		}
	}
	for _, m := range fromStageRe.FindAllStringSubmatch(dockerfile, -1) {
		stages[strings.ToLower(m[1])] = true
	}

	for _, m := range copyFromRe.FindAllStringSubmatch(dockerfile, -1) {
		from := strings.ToLower(strings.Trim(m[1], `"`))
		if stages[from] {
			continue
		}
		if idx, err := strconv.Atoi(from); err == nil {
			if idx < 0 || idx >= stageCount {
				return fmt.Errorf("COPY --from=%s references stage index out of range", from)
			}
			continue
		}
		// External images are legitimate --from sources.
		if strings.ContainsAny(from, ":/@") {
			continue
		}
		return fmt.Errorf("COPY --from=%s references an undeclared build stage", from)
	}
	return nil
}
