//go:build windows
// +build windows

package agent

import "os"

func watchResize() (<-chan os.Signal, func()) {
	return make(chan os.Signal), func() {} // never receives
}
