//go:build !unix

package kvstore

// Without flock the in-process mutex is the only guard.
func lockFile(string) (func(), error) {
	return func() {}, nil
}
