package fix

import (
	"errors"
	"fmt"
	"romer_sequencer/internal/model"
	"strconv"

	"github.com/shopspring/decimal"
)

const maxMarketDepth = 50

var ErrInvalidMessage = errors.New("invalid application message")

// ValidateApplication applies body rules for the application message kinds.
// Session-level kinds and unknown kinds pass through.
func ValidateApplication(msgType model.MsgType, fields Fields) error {
	switch msgType {
	case model.MsgTypeNewOrderSingle:
		return validateNewOrder(fields)
	case model.MsgTypeOrderCancelRequest:
		return validateCancelOrder(fields)
	case model.MsgTypeMarketDataRequest:
		return validateMarketDataRequest(fields)
	}
	return nil
}

func validateNewOrder(fields Fields) error {
	for _, tag := range []int{TagClOrdID, TagSymbol, TagSide, TagOrderQty, TagOrdType} {
		if v, ok := fields.Get(tag); !ok || v == "" {
			return missing(tag)
		}
	}

	side, _ := fields.Get(TagSide)
	if side != "1" && side != "2" {
		return invalid(TagSide, "must be 1 (buy) or 2 (sell)")
	}

	if _, err := positiveDecimal(fields, TagOrderQty); err != nil {
		return err
	}

	ordType, _ := fields.Get(TagOrdType)
	switch ordType {
	case "1":
	case "2":
		if !fields.Has(TagPrice) {
			return fmt.Errorf("%w: Price(44) required for limit orders", ErrInvalidMessage)
		}
		if _, err := positiveDecimal(fields, TagPrice); err != nil {
			return err
		}
	default:
		return invalid(TagOrdType, "must be 1 (market) or 2 (limit)")
	}
	return nil
}

// validateCancelOrder needs the order to cancel, by OrderID or OrigClOrdID.
func validateCancelOrder(fields Fields) error {
	orderID, _ := fields.Get(TagOrderID)
	origClOrdID, _ := fields.Get(TagOrigClOrdID)
	if orderID == "" && origClOrdID == "" {
		return fmt.Errorf("%w: OrderID(37) or OrigClOrdID(41) required", ErrInvalidMessage)
	}
	for _, tag := range []int{TagSymbol, TagSide} {
		if v, ok := fields.Get(tag); !ok || v == "" {
			return missing(tag)
		}
	}
	return nil
}

func validateMarketDataRequest(fields Fields) error {
	for _, tag := range []int{TagMDReqID, TagSubReqType, TagMarketDepth} {
		if v, ok := fields.Get(tag); !ok || v == "" {
			return missing(tag)
		}
	}

	subType, _ := fields.Get(TagSubReqType)
	if subType != "0" && subType != "1" && subType != "2" {
		return invalid(TagSubReqType, "must be 0, 1 or 2")
	}

	raw, _ := fields.Get(TagMarketDepth)
	depth, err := strconv.Atoi(raw)
	if err != nil || depth < 1 || depth > maxMarketDepth {
		return invalid(TagMarketDepth, fmt.Sprintf("must be between 1 and %d", maxMarketDepth))
	}
	return nil
}

func positiveDecimal(fields Fields, tag int) (decimal.Decimal, error) {
	raw, _ := fields.Get(tag)
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, invalid(tag, "not a number")
	}
	if !d.IsPositive() {
		return decimal.Zero, invalid(tag, "must be positive")
	}
	return d, nil
}

func missing(tag int) error {
	return fmt.Errorf("%w: missing tag %d", ErrInvalidMessage, tag)
}

func invalid(tag int, why string) error {
	return fmt.Errorf("%w: tag %d %s", ErrInvalidMessage, tag, why)
}
