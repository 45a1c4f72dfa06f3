package packager

import (
	"fmt"

	"golang.org/x/sys/unix"

	werrors "github.com/kulogix/webmodeldelivery/pkg/errors"
)

// checkDiskSpace fails fast if outputDir's filesystem does not have at
// least requiredBytes free, reporting both figures (§4.C step 3; the
// packager's original Python counterpart shells out to shutil for file
// copies but never checks free space up front, so this check is a
// supplemented safety feature rather than a ported one).
func checkDiskSpace(outputDir string, requiredBytes int64) error {
	var stat unix.Statfs_t
	if err := unix.Statfs(outputDir, &stat); err != nil {
		return werrors.Configuration("statfs "+outputDir, err)
	}

	available := int64(stat.Bavail) * int64(stat.Bsize)
	if available < requiredBytes {
		return werrors.Configuration(fmt.Sprintf("insufficient disk space at %s: need %d bytes, have %d available", outputDir, requiredBytes, available), nil)
	}
	return nil
}
