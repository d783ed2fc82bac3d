package docks

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roboricindustries/raycon-docks/pkg/dock"
)

// Filters narrows the broadcast stream of one connection. The zero value
// accepts every assignment.
type Filters struct {
	Direction dock.Direction `json:"direction,omitempty"`
}

// Command is the closed set of client to server messages.
type Command interface {
	CommandType() string
}

type Subscribe struct {
	Filters Filters `json:"filters"`
}

type Unsubscribe struct{}

type Ping struct{}

const (
	CommandSubscribe   = "subscribe"
	CommandUnsubscribe = "unsubscribe"
	CommandPing        = "ping"
)

func (Subscribe) CommandType() string   { return CommandSubscribe }
func (Unsubscribe) CommandType() string { return CommandUnsubscribe }
func (Ping) CommandType() string        { return CommandPing }

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrInvalidFilter  = errors.New("invalid filter")
)

type commandFrame struct {
	Type    string   `json:"type"`
	Filters *Filters `json:"filters,omitempty"`
}

func EncodeCommand(c Command) ([]byte, error) {
	frame := commandFrame{Type: c.CommandType()}
	if s, ok := c.(Subscribe); ok {
		frame.Filters = &s.Filters
	}
	return json.Marshal(frame)
}

// DecodeCommand parses one client frame. A subscribe filter direction is
// normalised, so "inbound" and "IB" are the same filter.
func DecodeCommand(data []byte) (Command, error) {
	var frame commandFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}
	switch frame.Type {
	case CommandSubscribe:
		var f Filters
		if frame.Filters != nil && frame.Filters.Direction != "" {
			d, err := dock.ParseDirection(string(frame.Filters.Direction))
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
			}
			f.Direction = d
		}
		return Subscribe{Filters: f}, nil
	case CommandUnsubscribe:
		return Unsubscribe{}, nil
	case CommandPing:
		return Ping{}, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownCommand, frame.Type)
	}
}
