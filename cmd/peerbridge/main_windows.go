//go:build windows

package main

import (
	"os"

	"golang.org/x/sys/windows"
)

// init disables quick-edit mode on the console input handle: a daemon left
// running in a Windows console window otherwise freezes its own process
// the moment a user selects text in that window.
func init() {
	con := windows.Handle(os.Stdin.Fd())

	var mode uint32
	if err := windows.GetConsoleMode(con, &mode); err == nil {
		mode |= windows.ENABLE_EXTENDED_FLAGS
		mode &^= windows.ENABLE_QUICK_EDIT_MODE
		_ = windows.SetConsoleMode(con, mode)
	}
}
