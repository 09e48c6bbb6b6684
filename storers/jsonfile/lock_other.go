//go:build !unix

package jsonfile

// lockFile is a no-op where flock isn't available; the Storer's mutex still
// serializes access within the process.
func lockFile(string) (func(), error) {
	return func() {}, nil
}

func syncDir(string) error {
	return nil
}
