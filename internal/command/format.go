package command

import (
	"encoding/json"
	"fmt"
	"hive-chat/domain"
	"io"
	"sync"
	"time"

	"github.com/gookit/color"
	"github.com/olekukonko/tablewriter"
)

var (
	nameStyle   = color.New(color.FgCyan, color.OpBold)
	timeStyle   = color.New(color.FgGray)
	statusStyle = color.New(color.BgBlack, color.FgGreen)
	errorStyle  = color.New(color.FgRed)
)

// newTable mirrors the plain, borderless layout of the store inspector.
func newTable(out io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(out)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	return table
}

func formatMessage(m domain.EnrichedMessage) string {
	return fmt.Sprintf("%s %s: %s",
		timeStyle.Render(m.CreatedAt.Local().Format(time.TimeOnly)),
		nameStyle.Render(m.Profile.Username),
		m.Content)
}

func formatStatus(status domain.SubscriptionStatus) string {
	if status == domain.StatusSubscribed || status == domain.StatusClosed {
		return statusStyle.Render(fmt.Sprintf(" %s ", status))
	}
	return errorStyle.Render(string(status))
}

type messagePayload struct {
	ID        int64  `json:"id"`
	ChannelID int64  `json:"channel_id"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

func toMessagePayload(m domain.EnrichedMessage) messagePayload {
	return messagePayload{
		ID:        int64(m.ID),
		ChannelID: int64(m.ChannelID),
		UserID:    m.UserID,
		Username:  m.Profile.Username,
		Content:   m.Content,
		CreatedAt: domain.FormatTimestamp(m.CreatedAt),
	}
}

// printer serialises output written from session goroutines.
type printer struct {
	mu       sync.Mutex
	out      io.Writer
	jsonMode bool
}

func (p *printer) line(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format+"\n", args...)
}

func (p *printer) message(m domain.EnrichedMessage) {
	if p.jsonMode {
		p.json(toMessagePayload(m))
		return
	}
	p.line("%s", formatMessage(m))
}

func (p *printer) json(v any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = json.NewEncoder(p.out).Encode(v)
}
