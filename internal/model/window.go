package model

// WindowState is the visibility state of a desktop window.
type WindowState string

const (
	WindowNormal    WindowState = "normal"
	WindowMinimized WindowState = "minimized"
	WindowMaximized WindowState = "maximized"
)

// WindowHandle describes one open window. Handles are transient: they are
// re-enumerated on every window command and never cached.
type WindowHandle struct {
	Title string
	State WindowState
}
