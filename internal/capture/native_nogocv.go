//go:build !gocv

package capture

func openNative(input string) (Source, bool, error) {
	return nil, false, nil
}
