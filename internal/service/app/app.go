package app

import (
	"context"
	"encoding/json"
	"fmt"
	"romer_sequencer/internal/model"
	"romer_sequencer/internal/utils/log"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/gorilla/websocket"
	"github.com/rivo/tview"
	"go.uber.org/zap"
)

type (
	App struct {
		app   *tview.Application
		feed  *tview.TextView
		input *tview.InputField

		client  *Client
		opsHost string
		blocks  *websocket.Conn
	}
)

// NewApp builds the terminal UI around a logged-on client. opsHost may be
// empty, which disables TIP and the live block feed.
func NewApp(client *Client, opsHost string) *App {
	return &App{
		app:     tview.NewApplication(),
		client:  client,
		opsHost: opsHost,
	}
}

// Run blocks until the UI exits.
func (c *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if c.opsHost != "" {
		conn, err := subscribeBlocks(c.opsHost)
		if err != nil {
			log.Warn("block feed unavailable", zap.Error(err))
		} else {
			c.blocks = conn
			go c.listenOnBlocks()
		}
	}

	go c.listenOnSession()
	go func() {
		if err := c.client.Run(ctx); err != nil {
			c.printf("[red]heartbeat stopped:[-] %v", err)
		}
	}()
	return c.renderUI()
}

func (c *App) Stop() {
	if c.blocks != nil {
		c.blocks.Close()
	}
	c.client.Close()
	c.app.Stop()
}

// blocking function
func (c *App) renderUI() error {
	c.feed = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	c.feed.SetBorder(true).SetTitle(fmt.Sprintf(" %s @ %s ", c.client.key.SenderID, c.client.target))

	c.input = tview.NewInputField().
		SetLabel("> ").
		SetFieldWidth(0)
	c.input.SetBorder(true).SetTitle(" BUY|SELL <sym> <qty> [@ px]  CANCEL <id> <sym> <side>  MD <sym>  TEST  RESET <seq>  TIP  LOGOUT ")

	c.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := c.input.GetText()
		if text == "" {
			return
		}
		c.input.SetText("")
		go c.execute(text)
	})

	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(c.feed, 0, 1, false).
		AddItem(c.input, 3, 0, true)

	return c.app.SetRoot(layout, true).SetFocus(c.input).Run()
}

func (c *App) execute(line string) {
	cmd, err := ParseCommand(line)
	if err != nil {
		c.printf("[red]%v[-]", err)
		return
	}

	switch cmd.Kind {
	case CommandTip:
		if c.opsHost == "" {
			c.printf("[red]no ops endpoint configured[-]")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tip, err := fetchTip(ctx, c.opsHost)
		if err != nil {
			c.printf("[red]tip:[-] %v", err)
			return
		}
		c.printf("[blue]tip[-] %s", describeBlock(tip))

	case CommandResync:
		if err := c.client.Resync(cmd.NewSeq); err != nil {
			c.printf("[red]reset failed:[-] %v", err)
			return
		}
		c.printf("[yellow]->[-] SequenceReset NewSeqNo=%d", cmd.NewSeq)

	default:
		if err := c.client.Send(cmd.Msg); err != nil {
			c.printf("[red]send failed:[-] %v", err)
			return
		}
		c.printf("[yellow]->[-] %s seq=%d %s", cmd.Msg.Type, cmd.Msg.SeqNum, line)
	}
}

func (c *App) listenOnSession() {
	for msg := range c.client.Incoming() {
		text := Text(msg)
		c.printf("[green]<-[-] %s seq=%d %s", msg.Type, msg.SeqNum, text)
		if msg.Type == model.MsgTypeLogout {
			c.printf("[red]session ended, press Ctrl-C to quit[-]")
		}
	}
	c.printf("[red]disconnected from sequencer[-]")
}

func (c *App) listenOnBlocks() {
	for {
		_, data, err := c.blocks.ReadMessage()
		if err != nil {
			log.Debug("block feed closed", zap.Error(err))
			c.blocks.Close()
			return
		}

		var summary model.BlockSummary
		if err := json.Unmarshal(data, &summary); err != nil {
			log.Error("unmarshal block summary failed", zap.Error(err))
			continue
		}
		c.printf("[blue]block[-] %s", describeBlock(&summary))
	}
}

func (c *App) printf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	c.app.QueueUpdateDraw(func() {
		fmt.Fprintln(c.feed, line)
		c.feed.ScrollToEnd()
	})
}

func describeBlock(b *model.BlockSummary) string {
	return fmt.Sprintf("#%d messages=%d hash=%.16s", b.ID, b.MessageCount, b.Hash)
}
