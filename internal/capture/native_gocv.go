//go:build gocv

package capture

import "strconv"

func openNative(input string) (Source, bool, error) {
	if _, err := strconv.Atoi(input); err != nil {
		return nil, false, nil
	}
	src, err := OpenCamera(input)
	if err != nil {
		return nil, true, err
	}
	return src, true, nil
}
