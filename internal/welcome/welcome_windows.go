//go:build windows

package welcome

import (
	"syscall"
	"unsafe"
)

var (
	user32          = syscall.NewLazyDLL("user32.dll")
	procMessageBoxW = user32.NewProc("MessageBoxW")
)

const (
	MB_OK       = 0x00000000
	MB_ICONINFO = 0x00000040
)

// ShowAbout displays a native about dialog on Windows
func ShowAbout(version, addr string) {
	titlePtr, _ := syscall.UTF16PtrFromString("About Tacho Gateway")
	messagePtr, _ := syscall.UTF16PtrFromString(AboutText(version, addr))
	procMessageBoxW.Call(
		0,
		uintptr(unsafe.Pointer(messagePtr)),
		uintptr(unsafe.Pointer(titlePtr)),
		uintptr(MB_OK|MB_ICONINFO),
	)
}
