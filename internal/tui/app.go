// Package tui is the operator console shell: a conversation table, a message
// thread with composer, and full-text search, driven by a console.Session.
package tui

import (
	"context"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"

	"github.com/bslsalud/opchat/internal/console"
	"github.com/bslsalud/opchat/internal/notify"
)

// idleThreshold is how long without a keystroke before the console counts as
// backgrounded and notifications start accumulating.
const idleThreshold = 90 * time.Second

// App is the TUI application shell.
type App struct {
	app       *tview.Application
	pages     *tview.Pages
	session   *console.Session
	registry  *Registry
	logger    *zap.Logger
	statusBar *StatusBar
	convList  *ConversationList
	msgView   *MessageView
	composer  *Composer
	searchV   *SearchView
	flash     Flash

	mu        sync.Mutex
	activeKey string
	lastInput time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// NewApp creates the application over a logged-in session.
func NewApp(s *console.Session, logger *zap.Logger) *App {
	ctx, cancel := context.WithCancel(context.Background())

	a := &App{
		app:       tview.NewApplication(),
		pages:     tview.NewPages(),
		session:   s,
		registry:  NewRegistry(),
		logger:    logger,
		statusBar: NewStatusBar(),
		convList:  NewConversationList(),
		msgView:   NewMessageView(),
		composer:  NewComposer(),
		searchV:   NewSearchView(),
		lastInput: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}

	a.statusBar.SetAgent(s.Client().Agent().Username)
	a.setupBindings()
	a.setupCallbacks()
	a.setupLayout()

	return a
}

func (a *App) setupBindings() {
	a.registry.AddGlobal("quit", &Action{
		Rune: 'q', Key: tcell.KeyRune,
		Description: "q:salir", Visible: true,
		Handler: func() { a.app.Stop() },
	})
	a.registry.AddGlobal("search", &Action{
		Rune: 's', Key: tcell.KeyRune,
		Description: "s:buscar", Visible: true,
		Handler: func() { a.showSearch() },
	})
	a.registry.AddPage("chat", "read", &Action{
		Rune: 'r', Key: tcell.KeyRune,
		Description: "r:leído", Visible: true,
		Handler: func() { a.markActiveRead() },
	})
}

func (a *App) setupCallbacks() {
	a.convList.SetSelectedFunc(func(row, col int) {
		if key := a.convList.Selected(); key != "" {
			a.openConversation(key)
		}
	})

	a.composer.SetOnSend(func(text string) {
		key := a.activeConversation()
		if key == "" {
			return
		}
		go func() {
			if _, err := a.session.SendText(a.ctx, key, text); err != nil {
				a.flash.Set("Envío falló: "+err.Error(), 5*time.Second)
				a.app.QueueUpdateDraw(func() {
					a.statusBar.SetFlash(a.flash.Get())
				})
			}
		}()
	})

	a.searchV.SetOnQuery(func(query string) {
		go func() {
			hits, err := a.session.Client().Search(a.ctx, query, "", 50)
			if err != nil {
				a.flash.Set("Búsqueda falló: "+err.Error(), 5*time.Second)
				return
			}
			a.app.QueueUpdateDraw(func() {
				a.searchV.Update(hits)
				a.app.SetFocus(a.searchV.Results())
			})
		}()
	})

	// Redraws arrive from the delivery queue goroutine.
	a.session.OnUpdate(func(key string) {
		a.app.QueueUpdateDraw(func() {
			a.convList.Update(a.session.Cache().List())
			if key == a.activeConversation() {
				a.renderThread(key)
			}
			a.statusBar.SetUnread(a.session.Presenter().Unread())
			a.statusBar.SetFlash(a.flash.Get())
		})
	})
}

func (a *App) setupLayout() {
	chatFlex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.msgView, 0, 1, false).
		AddItem(a.composer, 1, 0, false)

	a.pages.AddPage("conversations", a.convList, true, true)
	a.pages.AddPage("chat", chatFlex, true, false)
	a.pages.AddPage("search", a.searchV, true, false)

	root := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.pages, 0, 1, true).
		AddItem(a.statusBar, 1, 0, false)

	a.app.SetRoot(root, true)

	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		a.recordActivity()

		currentPage, _ := a.pages.GetFrontPage()

		if event.Key() == tcell.KeyEscape {
			switch currentPage {
			case "chat", "search":
				if currentPage == "chat" {
					a.mu.Lock()
					a.activeKey = ""
					a.mu.Unlock()
					a.session.SetActive("")
				}
				a.pages.SwitchToPage("conversations")
				a.app.SetFocus(a.convList)
				return nil
			}
		}

		// Text inputs get every key.
		if _, ok := a.app.GetFocus().(*tview.InputField); ok {
			return event
		}

		if currentPage == "chat" && event.Key() == tcell.KeyRune && event.Rune() == 'i' {
			a.app.SetFocus(a.composer.InputField)
			return nil
		}

		if a.registry.HandleEvent(currentPage, event) {
			return nil
		}
		return event
	})
}

// recordActivity marks operator presence. The first keystroke unlocks audio;
// a keystroke after idling foregrounds the console, which synchronously
// clears the unread badge and stops the blink, then resyncs the open thread.
func (a *App) recordActivity() {
	a.mu.Lock()
	a.lastInput = time.Now()
	a.mu.Unlock()

	p := a.session.Presenter()
	p.UnlockAudio()
	if p.Visibility() == notify.Background {
		p.SetVisibility(notify.Foreground)
		a.statusBar.SetUnread(0)
		if key := a.activeConversation(); key != "" {
			go func() {
				if err := a.session.Reload(a.ctx, key); err != nil {
					a.logger.Warn("resync failed", zap.String("conversation", key), zap.Error(err))
				}
			}()
		}
	}
}

func (a *App) idleLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.mu.Lock()
			idle := time.Since(a.lastInput)
			a.mu.Unlock()
			if idle >= idleThreshold {
				a.session.Presenter().SetVisibility(notify.Background)
			}
		case <-a.ctx.Done():
			return
		}
	}
}

func (a *App) activeConversation() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activeKey
}

func (a *App) openConversation(key string) {
	a.mu.Lock()
	a.activeKey = key
	a.mu.Unlock()
	// The poller narrows its sweep to the open thread.
	a.session.SetActive(key)

	name := key
	if conv, ok := a.session.Cache().Get(key); ok && conv.DisplayName != "" {
		name = conv.DisplayName
	}
	a.msgView.SetConversation(name)
	a.renderThread(key)
	a.pages.SwitchToPage("chat")
	a.app.SetFocus(a.composer.InputField)

	go func() {
		if err := a.session.MarkRead(a.ctx, key); err != nil {
			a.logger.Warn("mark read failed", zap.String("conversation", key), zap.Error(err))
		}
	}()
}

func (a *App) renderThread(key string) {
	name := key
	if conv, ok := a.session.Cache().Get(key); ok && conv.DisplayName != "" {
		name = conv.DisplayName
	}
	a.msgView.Update(name, a.session.Messages(key))
}

func (a *App) markActiveRead() {
	key := a.activeConversation()
	if key == "" {
		return
	}
	go func() {
		if err := a.session.MarkRead(a.ctx, key); err != nil {
			a.flash.Set("Marcar leído falló: "+err.Error(), 5*time.Second)
		}
	}()
}

func (a *App) showSearch() {
	a.pages.SwitchToPage("search")
	a.app.SetFocus(a.searchV.Input())
}

// Run starts the transports and blocks in the tview event loop.
func (a *App) Run() error {
	if err := a.session.Start(a.ctx); err != nil {
		return err
	}
	go a.idleLoop()
	return a.app.Run()
}

// Stop tears everything down.
func (a *App) Stop() {
	a.cancel()
	a.session.Stop()
	a.app.Stop()
}
