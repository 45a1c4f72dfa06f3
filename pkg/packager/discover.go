package packager

import (
	"os"
	"path/filepath"
	"sort"

	ignore "github.com/sabhiram/go-gitignore"

	werrors "github.com/kulogix/webmodeldelivery/pkg/errors"
)

// discoveredFile is one input file found by discover, before hashing.
type discoveredFile struct {
	// VirtualPath is the slash-separated path the file will be addressed by
	// in the published filemap, relative to the input root.
	VirtualPath string
	// PhysicalPath is its absolute path on disk right now.
	PhysicalPath string
	Size         int64
}

// discover walks each input root, in order, skipping dotfiles, VCS
// directories, and anything matched by opts.Exclude patterns, the way
// dockerignore.Walk skips .dockerignore-matched paths and its own
// hardcoded ignore directory (§4.C step 1).
func discover(roots []string, excludePatterns []string) ([]discoveredFile, error) {
	matcher := ignore.CompileIgnoreLines(excludePatterns...)

	var files []discoveredFile
	for _, root := range roots {
		info, err := os.Stat(root)
		if err != nil {
			return nil, werrors.Configuration("stat input "+root, err)
		}

		if !info.IsDir() {
			files = append(files, discoveredFile{
				VirtualPath:  filepath.Base(root),
				PhysicalPath: root,
				Size:         info.Size(),
			})
			continue
		}

		err = filepath.Walk(root, func(path string, fi os.FileInfo, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}

			rel, relErr := filepath.Rel(root, path)
			if relErr != nil {
				return relErr
			}
			rel = filepath.ToSlash(rel)

			if rel != "." && isExcludedName(fi.Name()) {
				if fi.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if matcher != nil && matcher.MatchesPath(rel) {
				if fi.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if fi.IsDir() {
				return nil
			}

			files = append(files, discoveredFile{
				VirtualPath:  rel,
				PhysicalPath: path,
				Size:         fi.Size(),
			})
			return nil
		})
		if err != nil {
			return nil, werrors.Configuration("walk input "+root, err)
		}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].VirtualPath < files[j].VirtualPath })
	return files, nil
}

func isExcludedName(name string) bool {
	switch name {
	case ".git", ".hg", ".svn", ".DS_Store":
		return true
	}
	return len(name) > 1 && name[0] == '.'
}
