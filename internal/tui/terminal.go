package tui

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/bslsalud/opchat/internal/notify"
)

// Bell rings the terminal bell.
type Bell struct{}

// Beep writes the BEL control character to the terminal.
func (Bell) Beep() error {
	_, err := os.Stdout.WriteString("\a")
	return err
}

// OSCTitle sets the terminal window title with an OSC 0 sequence. Most
// emulators honor it; the rest ignore it silently.
type OSCTitle struct{}

// SetTitle updates the terminal title.
func (OSCTitle) SetTitle(title string) {
	fmt.Fprintf(os.Stdout, "\x1b]0;%s\a", title)
}

// DesktopNotifier posts notifications through notify-send when available.
type DesktopNotifier struct {
	path string
}

// NewDesktopNotifier probes for notify-send once at startup.
func NewDesktopNotifier() *DesktopNotifier {
	path, err := exec.LookPath("notify-send")
	if err != nil {
		return &DesktopNotifier{}
	}
	return &DesktopNotifier{path: path}
}

// Permission reports granted when notify-send exists, denied otherwise.
func (n *DesktopNotifier) Permission() notify.Permission {
	if n.path == "" {
		return notify.PermissionDenied
	}
	return notify.PermissionGranted
}

// RequestPermission is a no-op on the desktop; availability never changes.
func (n *DesktopNotifier) RequestPermission() notify.Permission {
	return n.Permission()
}

// Notify replaces any previous notification for the same conversation.
func (n *DesktopNotifier) Notify(tag, title, body string) error {
	if n.path == "" {
		return nil
	}
	cmd := exec.Command(n.path,
		"--app-name=opchat",
		"--hint=string:x-canonical-private-synchronous:"+tag,
		title, body)
	return cmd.Run()
}
