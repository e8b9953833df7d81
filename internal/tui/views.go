package tui

import (
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/bslsalud/opchat/internal/chat"
	"github.com/bslsalud/opchat/internal/console"
	"github.com/bslsalud/opchat/internal/convcache"
)

// ConversationList is the landing table: one row per conversation, most
// recently active first.
type ConversationList struct {
	*tview.Table
	convs []convcache.Conversation
}

// NewConversationList creates the conversation table.
func NewConversationList() *ConversationList {
	table := tview.NewTable().
		SetSelectable(true, false).
		SetBorders(false)
	table.SetBorder(true).SetTitle(" Conversaciones ")
	return &ConversationList{Table: table}
}

// Update refreshes the table from the cache snapshot.
func (cl *ConversationList) Update(convs []convcache.Conversation) {
	cl.convs = convs
	cl.Clear()

	cl.SetCell(0, 0, tview.NewTableCell(" Contacto").SetSelectable(false).SetTextColor(tview.Styles.SecondaryTextColor))
	cl.SetCell(0, 1, tview.NewTableCell(" Último mensaje").SetSelectable(false).SetTextColor(tview.Styles.SecondaryTextColor))
	cl.SetCell(0, 2, tview.NewTableCell(" Hora").SetSelectable(false).SetTextColor(tview.Styles.SecondaryTextColor))

	for i, conv := range convs {
		row := i + 1
		name := conv.DisplayName
		if name == "" {
			name = conv.Key
		}
		cl.SetCell(row, 0, tview.NewTableCell(" "+name).SetMaxWidth(30).SetExpansion(1))
		cl.SetCell(row, 1, tview.NewTableCell(" "+conv.LastMessage).SetMaxWidth(50).SetExpansion(2))
		cl.SetCell(row, 2, tview.NewTableCell(" "+formatWhen(conv.LastMessageAt)).SetMaxWidth(12))
	}
}

// Selected returns the conversation key under the cursor, or empty.
func (cl *ConversationList) Selected() string {
	row, _ := cl.GetSelection()
	idx := row - 1
	if idx >= 0 && idx < len(cl.convs) {
		return cl.convs[idx].Key
	}
	return ""
}

// MessageView renders one conversation's merged message list.
type MessageView struct {
	*tview.TextView
}

// NewMessageView creates the thread pane.
func NewMessageView() *MessageView {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWordWrap(true)
	tv.SetBorder(true).SetTitle(" Mensajes ")
	return &MessageView{TextView: tv}
}

// SetConversation updates the pane title.
func (mv *MessageView) SetConversation(name string) {
	mv.SetTitle(fmt.Sprintf(" %s ", name))
}

// Update rewrites the pane, oldest message first.
func (mv *MessageView) Update(displayName string, msgs []chat.Message) {
	mv.Clear()

	for _, m := range msgs {
		sender := displayName
		if m.Direction == chat.Outbound {
			sender = "Tú"
		}
		ts := ""
		if m.HasTimestamp() {
			ts = formatWhen(m.Timestamp)
		}
		body := m.Preview()
		line := fmt.Sprintf("[::b]%s[-:-:-] [::d]%s[-:-:-]\n%s\n\n", sender, ts, tview.Escape(body))
		_, _ = fmt.Fprint(mv, line)
	}

	mv.ScrollToEnd()
}

// Composer is the outgoing text input.
type Composer struct {
	*tview.InputField
	onSend func(text string)
}

// NewComposer creates the input row.
func NewComposer() *Composer {
	input := tview.NewInputField().
		SetLabel(" > ").
		SetFieldWidth(0)

	c := &Composer{InputField: input}
	input.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter && c.onSend != nil {
			text := c.GetText()
			if text != "" {
				c.onSend(text)
				c.SetText("")
			}
		}
	})
	return c
}

// SetOnSend sets the submit callback.
func (c *Composer) SetOnSend(fn func(text string)) {
	c.onSend = fn
}

// SearchView is the full-text search page: an input row over a result table.
type SearchView struct {
	*tview.Flex
	input   *tview.InputField
	results *tview.Table
	onQuery func(query string)
	hits    []console.SearchHit
}

// NewSearchView creates the search page.
func NewSearchView() *SearchView {
	input := tview.NewInputField().
		SetLabel(" Buscar: ").
		SetFieldWidth(0)

	results := tview.NewTable().
		SetSelectable(true, false).
		SetBorders(false).
		SetFixed(1, 0)
	results.SetBorder(true).SetTitle(" Resultados ")

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(input, 1, 0, true).
		AddItem(results, 0, 1, false)

	sv := &SearchView{Flex: flex, input: input, results: results}
	input.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter && sv.onQuery != nil {
			sv.onQuery(input.GetText())
		}
	})
	return sv
}

// SetOnQuery sets the submit callback.
func (sv *SearchView) SetOnQuery(fn func(query string)) {
	sv.onQuery = fn
}

// Update refreshes the result table.
func (sv *SearchView) Update(hits []console.SearchHit) {
	sv.hits = hits
	sv.results.Clear()

	headers := []string{" Conversación", " Fragmento", " Hora"}
	for col, h := range headers {
		sv.results.SetCell(0, col, tview.NewTableCell(h).
			SetSelectable(false).
			SetTextColor(tview.Styles.SecondaryTextColor))
	}

	for i, hit := range hits {
		row := i + 1
		msg := chat.Normalize(hit.Message, chat.SourceProvider)
		ts := ""
		if msg.HasTimestamp() {
			ts = formatWhen(msg.Timestamp)
		}
		sv.results.SetCell(row, 0, tview.NewTableCell(" "+hit.Message.ChatID).SetMaxWidth(25))
		sv.results.SetCell(row, 1, tview.NewTableCell(" "+tview.Escape(hit.Snippet)).SetExpansion(1))
		sv.results.SetCell(row, 2, tview.NewTableCell(" "+ts).SetMaxWidth(12))
	}
}

// Selected returns the conversation key of the highlighted hit.
func (sv *SearchView) Selected() string {
	row, _ := sv.results.GetSelection()
	idx := row - 1
	if idx >= 0 && idx < len(sv.hits) {
		return sv.hits[idx].Message.ChatID
	}
	return ""
}

// Input returns the query field for focusing.
func (sv *SearchView) Input() *tview.InputField { return sv.input }

// Results returns the result table for focusing.
func (sv *SearchView) Results() *tview.Table { return sv.results }

// StatusBar shows agent, relay link, unread counter, and flash messages.
type StatusBar struct {
	*tview.TextView
	agent  string
	unread int
	flash  string
}

// NewStatusBar creates the bottom bar.
func NewStatusBar() *StatusBar {
	tv := tview.NewTextView().SetDynamicColors(true)
	tv.SetBackgroundColor(tview.Styles.MoreContrastBackgroundColor)
	return &StatusBar{TextView: tv}
}

// SetAgent sets the logged-in agent display.
func (sb *StatusBar) SetAgent(agent string) {
	sb.agent = agent
	sb.render()
}

// SetUnread updates the unread badge.
func (sb *StatusBar) SetUnread(n int) {
	sb.unread = n
	sb.render()
}

// SetFlash shows a transient message.
func (sb *StatusBar) SetFlash(msg string) {
	sb.flash = msg
	sb.render()
}

func (sb *StatusBar) render() {
	sb.Clear()

	badge := ""
	if sb.unread > 0 {
		badge = fmt.Sprintf(" [red::b](%d)[-:-:-]", sb.unread)
	}
	line := fmt.Sprintf(" [::b]%s[-:-:-]%s | %s", sb.agent, badge, time.Now().Format("15:04"))
	if sb.flash != "" {
		line += fmt.Sprintf(" | [yellow]%s[-]", sb.flash)
	}
	_, _ = fmt.Fprint(sb, line)
}

func formatWhen(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	t = t.Local()
	now := time.Now()
	if t.Year() == now.Year() && t.YearDay() == now.YearDay() {
		return t.Format("15:04")
	}
	return t.Format("02/01")
}
