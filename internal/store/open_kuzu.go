//go:build cgo

package store

func openKuzuBackend(path string) (Store, error) {
	return NewKuzuFileStore(path)
}
