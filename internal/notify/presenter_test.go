package notify

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bslsalud/opchat/internal/chat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBeeper struct {
	mu    sync.Mutex
	beeps int
	err   error
}

func (b *fakeBeeper) Beep() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.beeps++
	return b.err
}

func (b *fakeBeeper) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.beeps
}

type fakeNotifier struct {
	mu        sync.Mutex
	perm      Permission
	requested int
	notified  []string // tags
}

func (n *fakeNotifier) Permission() Permission { return n.perm }

func (n *fakeNotifier) RequestPermission() Permission {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.requested++
	n.perm = PermissionGranted
	return n.perm
}

func (n *fakeNotifier) Notify(tag, title, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notified = append(n.notified, tag)
	return nil
}

type fakeTitle struct {
	mu     sync.Mutex
	titles []string
}

func (t *fakeTitle) SetTitle(title string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.titles = append(t.titles, title)
}

func (t *fakeTitle) last() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.titles) == 0 {
		return ""
	}
	return t.titles[len(t.titles)-1]
}

func inboundMsg(body string) chat.Message {
	return chat.Message{ID: "m1", Direction: chat.Inbound, Body: body, Timestamp: time.Now()}
}

func TestCueRequiresAudioUnlock(t *testing.T) {
	beeper := &fakeBeeper{}
	p := New(beeper, nil, nil, "BSL Chat", nil)

	p.PlayCue()
	assert.Equal(t, 0, beeper.count(), "cue before first gesture must be silent")

	p.UnlockAudio()
	p.PlayCue()
	assert.Equal(t, 1, beeper.count())
	assert.True(t, p.AudioUnlocked())
}

func TestCueFailureIsSwallowed(t *testing.T) {
	beeper := &fakeBeeper{err: errors.New("no audio device")}
	p := New(beeper, nil, nil, "BSL Chat", nil)
	p.UnlockAudio()

	assert.NotPanics(t, func() { p.PlayCue() })
}

func TestBackgroundInboundCountsAndNotifies(t *testing.T) {
	beeper := &fakeBeeper{}
	notifier := &fakeNotifier{perm: PermissionGranted}
	title := &fakeTitle{}
	p := New(beeper, notifier, title, "BSL Chat", nil, WithBlinkInterval(5*time.Millisecond))
	p.UnlockAudio()
	p.SetVisibility(Background)

	p.Inbound("57300", "Paciente", inboundMsg("resultados listos"))

	assert.Equal(t, 1, p.Unread())
	assert.True(t, p.Blinking())
	assert.Equal(t, 1, beeper.count())
	require.Len(t, notifier.notified, 1)
	assert.Equal(t, "57300", notifier.notified[0])
}

func TestForegroundInboundOnlyCues(t *testing.T) {
	beeper := &fakeBeeper{}
	notifier := &fakeNotifier{perm: PermissionGranted}
	p := New(beeper, notifier, &fakeTitle{}, "BSL Chat", nil)
	p.UnlockAudio()

	p.Inbound("57300", "Paciente", inboundMsg("hola"))

	assert.Equal(t, 0, p.Unread())
	assert.False(t, p.Blinking())
	assert.Equal(t, 1, beeper.count())
	assert.Empty(t, notifier.notified)
}

func TestVisibilityResetIsSynchronous(t *testing.T) {
	resynced := false
	p := New(nil, nil, &fakeTitle{}, "BSL Chat", nil,
		WithBlinkInterval(5*time.Millisecond),
		WithForegroundHook(func() { resynced = true }),
	)
	p.SetVisibility(Background)
	p.Inbound("57300", "Paciente", inboundMsg("1"))
	p.Inbound("57300", "Paciente", inboundMsg("2"))
	p.Inbound("57300", "Paciente", inboundMsg("3"))
	require.Equal(t, 3, p.Unread())
	require.True(t, p.Blinking())

	p.SetVisibility(Foreground)

	// No waiting on the next poll tick: everything resets on the edge.
	assert.Equal(t, 0, p.Unread())
	assert.False(t, p.Blinking())
	assert.True(t, resynced)
}

func TestBlinkTogglesAndRestoresTitle(t *testing.T) {
	title := &fakeTitle{}
	p := New(nil, nil, title, "BSL Chat", nil, WithBlinkInterval(2*time.Millisecond))
	p.SetVisibility(Background)
	p.Inbound("57300", "Paciente", inboundMsg("mensaje nuevo"))

	// Let a few toggles happen.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		title.mu.Lock()
		n := len(title.titles)
		title.mu.Unlock()
		if n >= 4 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	p.StopBlink()
	assert.Equal(t, "BSL Chat", title.last(), "StopBlink must restore the original title exactly")

	title.mu.Lock()
	sawUnread := false
	for _, s := range title.titles {
		if s == "(1) mensaje nuevo" {
			sawUnread = true
		}
	}
	title.mu.Unlock()
	assert.True(t, sawUnread, "blink must show the unread badge title")
}

func TestStopBlinkIdempotent(t *testing.T) {
	title := &fakeTitle{}
	p := New(nil, nil, title, "BSL Chat", nil, WithBlinkInterval(2*time.Millisecond))
	p.SetVisibility(Background)
	p.Inbound("57300", "Paciente", inboundMsg("x"))

	p.StopBlink()
	assert.NotPanics(t, func() { p.StopBlink() })
	assert.False(t, p.Blinking())
}

func TestPermissionLazyRequest(t *testing.T) {
	notifier := &fakeNotifier{perm: PermissionDefault}
	p := New(nil, notifier, nil, "BSL Chat", nil)

	p.ShowSystemNotification("57300", "Paciente", "hola")
	assert.Equal(t, 1, notifier.requested)
	assert.Len(t, notifier.notified, 1)
}

func TestPermissionDeniedNeverRequests(t *testing.T) {
	notifier := &fakeNotifier{perm: PermissionDenied}
	p := New(nil, notifier, nil, "BSL Chat", nil)

	p.ShowSystemNotification("57300", "Paciente", "hola")
	assert.Equal(t, 0, notifier.requested)
	assert.Empty(t, notifier.notified)
}
