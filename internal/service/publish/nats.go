package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"romer_sequencer/internal/model"
	"romer_sequencer/internal/utils/log"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	HeaderBlockID   = "Romer-Block-Id"
	HeaderBlockHash = "Romer-Block-Hash"
)

type (
	// NATSPublisher announces every sealed block on a subject. Subscribers
	// get the whole block; the id and hash also travel as headers.
	NATSPublisher struct {
		conn    *nats.Conn
		subject string
	}
)

func NewNATSPublisher(url, subject string) (*NATSPublisher, error) {
	opts := []nats.Option{
		nats.Name("romer-sequencer"),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &NATSPublisher{conn: conn, subject: subject}, nil
}

func (p *NATSPublisher) AppendBlock(_ context.Context, block *model.Block) error {
	msg, err := BlockMessage(p.subject, block)
	if err != nil {
		return err
	}
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish block %d: %w", block.Header.ID, err)
	}
	return nil
}

// BlockMessage encodes block as a NATS message for subject.
func BlockMessage(subject string, block *model.Block) (*nats.Msg, error) {
	data, err := json.Marshal(block)
	if err != nil {
		return nil, fmt.Errorf("marshal block %d: %w", block.Header.ID, err)
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(HeaderBlockID, strconv.FormatUint(block.Header.ID, 10))
	msg.Header.Set(HeaderBlockHash, block.Hash)
	return msg, nil
}

// Close flushes pending publishes and disconnects.
func (p *NATSPublisher) Close() error {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return err
	}
	return nil
}
