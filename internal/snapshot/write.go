package snapshot

import (
	"errors"
	"os"

	"forge.dev/engine/internal/blob"
)

// writeBlobToPath lands b's content at path with the given mode,
// truncating any previous content.
func writeBlobToPath(b blob.ReadOnlyBlob, path string, mode os.FileMode) (err error) {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, file.Close())
	}()
	return blob.Copy(file, b)
}
