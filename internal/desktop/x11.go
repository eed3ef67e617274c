package desktop

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"agbridge/internal/model"
)

// X11 drives the desktop through external tools. It is deliberately thin:
// every method is one primitive, and the actuator above it owns ordering,
// serialization and timeouts.
type X11 struct{}

func NewX11() *X11 {
	return &X11{}
}

func (d *X11) CursorPosition() (int, int, error) {
	out, err := output("xdotool", "getmouselocation", "--shell")
	if err != nil {
		return 0, 0, err
	}
	// Output: X=123\nY=456\nSCREEN=0\nWINDOW=...
	var x, y int
	found := 0
	for _, line := range strings.Split(out, "\n") {
		if v, ok := strings.CutPrefix(line, "X="); ok {
			x, err = strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return 0, 0, fmt.Errorf("parse cursor X: %w", err)
			}
			found++
		}
		if v, ok := strings.CutPrefix(line, "Y="); ok {
			y, err = strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return 0, 0, fmt.Errorf("parse cursor Y: %w", err)
			}
			found++
		}
	}
	if found != 2 {
		return 0, 0, fmt.Errorf("unexpected getmouselocation output: %q", out)
	}
	return x, y, nil
}

func (d *X11) Click(x, y int) error {
	return run("xdotool", "mousemove", strconv.Itoa(x), strconv.Itoa(y), "click", "1")
}

func (d *X11) Press(key string) error {
	return run("xdotool", "key", "--clearmodifiers", key)
}

func (d *X11) SetClipboard(text string) error {
	cmd := exec.Command("xclip", "-selection", "clipboard")
	cmd.Stdin = strings.NewReader(text)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("xclip: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (d *X11) Screenshot(dir string) (string, error) {
	path := filepath.Join(dir, fmt.Sprintf("screenshot_%s.png", time.Now().Format("150405")))
	if err := run("import", "-window", "root", path); err != nil {
		return "", err
	}
	return path, nil
}

func (d *X11) CaptureRegion(x, y, w, h int, destPath string) error {
	crop := fmt.Sprintf("%dx%d+%d+%d", w, h, x, y)
	return run("import", "-window", "root", "-crop", crop, destPath)
}

// RegionMatches compares the live region against refPath with ImageMagick
// compare. AE with fuzz tolerates anti-aliasing and theme-level noise;
// the region "matches" when fewer than 10% of pixels differ.
func (d *X11) RegionMatches(refPath string, x, y, w, h int) (bool, error) {
	tmp := filepath.Join("/tmp", fmt.Sprintf("agbridge-probe-%d.png", time.Now().UnixNano()))
	if err := d.CaptureRegion(x, y, w, h, tmp); err != nil {
		return false, err
	}
	defer os.Remove(tmp)

	// compare exits 0 on match, 1 on mismatch, >1 on error; the AE metric
	// (differing pixel count) goes to stderr either way.
	cmd := exec.Command("compare", "-metric", "AE", "-fuzz", "15%", refPath, tmp, "null:")
	out, err := cmd.CombinedOutput()
	metric := strings.TrimSpace(string(out))
	fields := strings.Fields(metric)
	if len(fields) == 0 {
		if err != nil {
			return false, fmt.Errorf("compare: %w", err)
		}
		return false, fmt.Errorf("compare produced no metric")
	}
	diff, parseErr := strconv.ParseFloat(fields[0], 64)
	if parseErr != nil {
		if err != nil {
			return false, fmt.Errorf("compare: %w: %s", err, metric)
		}
		return false, fmt.Errorf("parse compare metric %q: %v", metric, parseErr)
	}
	return diff < float64(w*h)/10, nil
}

func (d *X11) Windows() ([]model.WindowHandle, error) {
	out, err := output("wmctrl", "-l")
	if err != nil {
		return nil, err
	}

	var windows []model.WindowHandle
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		// Format: 0x04000003  0 hostname Window Title
		fields := strings.SplitN(line, " ", 4)
		if len(fields) < 4 {
			continue
		}
		id := fields[0]
		title := strings.TrimSpace(fields[3])
		// Strip the hostname column when present.
		if i := strings.IndexByte(title, ' '); i > 0 {
			title = strings.TrimSpace(title[i+1:])
		}
		if title == "" {
			continue
		}
		windows = append(windows, model.WindowHandle{
			Title: title,
			State: d.windowState(id),
		})
	}
	return windows, nil
}

func (d *X11) windowState(windowID string) model.WindowState {
	out, err := output("xprop", "-id", windowID, "_NET_WM_STATE")
	if err != nil {
		return model.WindowNormal
	}
	switch {
	case strings.Contains(out, "_NET_WM_STATE_HIDDEN"):
		return model.WindowMinimized
	case strings.Contains(out, "_NET_WM_STATE_MAXIMIZED_VERT"):
		return model.WindowMaximized
	default:
		return model.WindowNormal
	}
}

func (d *X11) Activate(title string) error {
	return run("wmctrl", "-a", title)
}

func (d *X11) Minimize(title string) error {
	return run("xdotool", "search", "--name", title, "windowminimize")
}

func (d *X11) Maximize(title string) error {
	return run("wmctrl", "-r", title, "-b", "add,maximized_vert,maximized_horz")
}

func (d *X11) Restore(title string) error {
	if err := run("wmctrl", "-r", title, "-b", "remove,maximized_vert,maximized_horz"); err != nil {
		return err
	}
	return d.Activate(title)
}

func (d *X11) Launch(command string, args ...string) error {
	cmd := exec.Command(command, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch %s: %w", command, err)
	}
	// Detach: the launched application outlives the bridge.
	go cmd.Wait()
	return nil
}

func run(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func output(name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
