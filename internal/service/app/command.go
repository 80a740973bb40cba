package app

import (
	"errors"
	"fmt"
	"romer_sequencer/internal/model"
	"romer_sequencer/internal/protocol/fix"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var ErrUsage = errors.New(`usage: BUY|SELL <symbol> <qty> [@ <price>] | CANCEL <clordid> <symbol> BUY|SELL | MD <symbol> [depth] | TEST [id] | RESET <seq> | TIP | LOGOUT`)

type (
	CommandKind int

	// Command is one parsed input line. Msg is set for commands that go
	// straight to the sequencer.
	Command struct {
		Kind   CommandKind
		Msg    *fix.Message
		NewSeq uint64
	}
)

const (
	CommandMessage CommandKind = iota
	CommandResync
	CommandTip
	CommandLogout
)

// ParseCommand turns a line like "BUY AAPL 100 @ 10.5" into a command.
func ParseCommand(line string) (*Command, error) {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil, ErrUsage
	}

	switch strings.ToUpper(args[0]) {
	case "BUY", "SELL":
		msg, err := parseOrder(args)
		if err != nil {
			return nil, err
		}
		return &Command{Kind: CommandMessage, Msg: msg}, nil

	case "CANCEL":
		if len(args) != 4 {
			return nil, ErrUsage
		}
		var side string
		switch strings.ToUpper(args[3]) {
		case "BUY":
			side = "1"
		case "SELL":
			side = "2"
		default:
			return nil, ErrUsage
		}
		msg := fix.NewMessage(model.MsgTypeOrderCancelRequest).
			Set(fix.TagOrigClOrdID, args[1]).
			Set(fix.TagClOrdID, uuid.NewString()).
			Set(fix.TagSymbol, strings.ToUpper(args[2])).
			Set(fix.TagSide, side)
		return &Command{Kind: CommandMessage, Msg: msg}, nil

	case "MD":
		if len(args) < 2 || len(args) > 3 {
			return nil, ErrUsage
		}
		depth := int64(1)
		if len(args) == 3 {
			n, err := strconv.ParseInt(args[2], 10, 64)
			if err != nil || n < 1 || n > 50 {
				return nil, fmt.Errorf("depth must be between 1 and 50")
			}
			depth = n
		}
		msg := fix.NewMessage(model.MsgTypeMarketDataRequest).
			Set(fix.TagMDReqID, uuid.NewString()).
			Set(fix.TagSubReqType, "1").
			SetInt(fix.TagMarketDepth, depth).
			Set(fix.TagNoRelatedSym, "1").
			Set(fix.TagSymbol, strings.ToUpper(args[1]))
		return &Command{Kind: CommandMessage, Msg: msg}, nil

	case "TEST":
		id := uuid.NewString()
		if len(args) > 1 {
			id = args[1]
		}
		msg := fix.NewMessage(model.MsgTypeTestRequest).Set(fix.TagTestReqID, id)
		return &Command{Kind: CommandMessage, Msg: msg}, nil

	case "RESET":
		if len(args) != 2 {
			return nil, ErrUsage
		}
		seq, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil || seq == 0 {
			return nil, fmt.Errorf("sequence must be a positive number")
		}
		return &Command{Kind: CommandResync, NewSeq: seq}, nil

	case "TIP":
		return &Command{Kind: CommandTip}, nil

	case "LOGOUT":
		return &Command{Kind: CommandLogout, Msg: fix.NewMessage(model.MsgTypeLogout)}, nil
	}
	return nil, ErrUsage
}

func parseOrder(args []string) (*fix.Message, error) {
	if len(args) != 3 && len(args) != 5 {
		return nil, ErrUsage
	}

	side := "1"
	if strings.EqualFold(args[0], "SELL") {
		side = "2"
	}
	qty, err := decimal.NewFromString(args[2])
	if err != nil || !qty.IsPositive() {
		return nil, fmt.Errorf("quantity must be a positive number")
	}

	msg := fix.NewMessage(model.MsgTypeNewOrderSingle).
		Set(fix.TagClOrdID, uuid.NewString()).
		Set(fix.TagSymbol, strings.ToUpper(args[1])).
		Set(fix.TagSide, side).
		Set(fix.TagOrderQty, qty.String())

	if len(args) == 3 {
		return msg.Set(fix.TagOrdType, "1"), nil
	}
	if args[3] != "@" {
		return nil, ErrUsage
	}
	price, err := decimal.NewFromString(args[4])
	if err != nil || !price.IsPositive() {
		return nil, fmt.Errorf("price must be a positive number")
	}
	return msg.Set(fix.TagOrdType, "2").Set(fix.TagPrice, price.String()), nil
}
