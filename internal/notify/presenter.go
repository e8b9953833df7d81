// Package notify owns the console's notification side effects: the audible
// cue, the system notification, and the blinking unread title. Each primitive
// fails independently and silently; a blocked bell never stops the badge.
package notify

import (
	"fmt"
	"sync"
	"time"

	"github.com/bslsalud/opchat/internal/chat"
	"go.uber.org/zap"
)

// DefaultBlinkInterval is the title toggle period.
const DefaultBlinkInterval = time.Second

// Visibility of the console: FOREGROUND when the operator is looking at it.
type Visibility int

const (
	Foreground Visibility = iota
	Background
)

// Permission mirrors the host notification permission states.
type Permission string

const (
	PermissionGranted Permission = "granted"
	PermissionDefault Permission = "default"
	PermissionDenied  Permission = "denied"
)

// Beeper plays the audible cue.
type Beeper interface {
	Beep() error
}

// SystemNotifier posts host-level notifications. Implementations deduplicate
// by tag: a flood of pushes for one conversation replaces, not stacks.
type SystemNotifier interface {
	Permission() Permission
	RequestPermission() Permission
	Notify(tag, title, body string) error
}

// TitleSetter updates the console/window title.
type TitleSetter interface {
	SetTitle(title string)
}

// Presenter gates the three primitives on visibility, audio-unlock, and
// permission state. One instance per console session.
type Presenter struct {
	beeper   Beeper
	notifier SystemNotifier
	title    TitleSetter
	logger   *zap.Logger
	interval time.Duration

	// onForeground runs synchronously on the BACKGROUND→FOREGROUND edge so
	// the console resyncs immediately instead of waiting for the next poll.
	onForeground func()

	mu            sync.Mutex
	originalTitle string
	audioUnlocked bool
	visibility    Visibility
	unread        int
	blinking      bool
	blinkStop     chan struct{}
	lastPreview   string
}

// Option configures a Presenter.
type Option func(*Presenter)

// WithBlinkInterval overrides the title toggle period.
func WithBlinkInterval(d time.Duration) Option {
	return func(p *Presenter) { p.interval = d }
}

// WithForegroundHook sets the resync callback fired on foregrounding.
func WithForegroundHook(fn func()) Option {
	return func(p *Presenter) { p.onForeground = fn }
}

// New creates a presenter in FOREGROUND with audio locked.
func New(beeper Beeper, notifier SystemNotifier, title TitleSetter, originalTitle string, logger *zap.Logger, opts ...Option) *Presenter {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Presenter{
		beeper:        beeper,
		notifier:      notifier,
		title:         title,
		logger:        logger,
		interval:      DefaultBlinkInterval,
		originalTitle: originalTitle,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// UnlockAudio marks the first user gesture. The transition happens once and
// never reverts.
func (p *Presenter) UnlockAudio() {
	p.mu.Lock()
	p.audioUnlocked = true
	p.mu.Unlock()
}

// AudioUnlocked reports whether a user gesture has been seen.
func (p *Presenter) AudioUnlocked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.audioUnlocked
}

// Unread returns the running unread counter.
func (p *Presenter) Unread() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unread
}

// Blinking reports whether the title is currently alternating.
func (p *Presenter) Blinking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.blinking
}

// Visibility returns the current tab state.
func (p *Presenter) Visibility() Visibility {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.visibility
}

// SetVisibility drives the FOREGROUND/BACKGROUND machine. Foregrounding
// stops the blink, zeroes the unread counter, and fires the resync hook
// before returning.
func (p *Presenter) SetVisibility(v Visibility) {
	p.mu.Lock()
	prev := p.visibility
	p.visibility = v
	p.mu.Unlock()

	if prev == Background && v == Foreground {
		p.StopBlink()
		p.mu.Lock()
		p.unread = 0
		p.mu.Unlock()
		if p.onForeground != nil {
			p.onForeground()
		}
	}
}

// Inbound presents one detected inbound message: cue always (when unlocked),
// counter/blink/system notification only while in the background.
func (p *Presenter) Inbound(conversationKey, displayName string, msg chat.Message) {
	p.PlayCue()

	p.mu.Lock()
	background := p.visibility == Background
	if background {
		p.unread++
		p.lastPreview = chat.Truncate(msg.Preview(), 50)
	}
	p.mu.Unlock()

	if !background {
		return
	}

	p.startBlink()
	p.ShowSystemNotification(conversationKey, displayName, chat.Truncate(msg.Preview(), 50))
}

// PlayCue sounds the audible cue. No-op before the first user gesture;
// playback failures are logged, never propagated.
func (p *Presenter) PlayCue() {
	p.mu.Lock()
	unlocked := p.audioUnlocked
	p.mu.Unlock()
	if !unlocked || p.beeper == nil {
		return
	}
	if err := p.beeper.Beep(); err != nil {
		p.logger.Warn("audio cue failed", zap.Error(err))
	}
}

// ShowSystemNotification posts a host notification tagged by conversation.
// Permission is requested lazily while "default" and never while "denied".
func (p *Presenter) ShowSystemNotification(tag, title, body string) {
	if p.notifier == nil {
		return
	}
	perm := p.notifier.Permission()
	if perm == PermissionDefault {
		perm = p.notifier.RequestPermission()
	}
	if perm != PermissionGranted {
		return
	}
	if err := p.notifier.Notify(tag, title, body); err != nil {
		p.logger.Warn("system notification failed", zap.Error(err), zap.String("conversation", tag))
	}
}

// startBlink begins toggling the title if not already doing so.
func (p *Presenter) startBlink() {
	p.mu.Lock()
	if p.blinking || p.title == nil {
		p.mu.Unlock()
		return
	}
	p.blinking = true
	stop := make(chan struct{})
	p.blinkStop = stop
	interval := p.interval
	p.mu.Unlock()

	go p.blinkLoop(stop, interval)
}

func (p *Presenter) blinkLoop(stop chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	showingUnread := false
	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			unread := p.unread
			preview := p.lastPreview
			p.mu.Unlock()

			if showingUnread {
				p.title.SetTitle(p.originalTitle)
			} else {
				p.title.SetTitle(fmt.Sprintf("(%d) %s", unread, preview))
			}
			showingUnread = !showingUnread
		case <-stop:
			return
		}
	}
}

// StopBlink halts the blink and restores the original title exactly.
// Idempotent.
func (p *Presenter) StopBlink() {
	p.mu.Lock()
	if !p.blinking {
		p.mu.Unlock()
		return
	}
	p.blinking = false
	close(p.blinkStop)
	p.blinkStop = nil
	p.mu.Unlock()

	if p.title != nil {
		p.title.SetTitle(p.originalTitle)
	}
}
