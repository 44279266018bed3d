//go:build !linux

package fsutil

func exchange(a, b string) error {
	return errExchangeUnsupported
}
