package dock

import (
	"fmt"
	"strings"
	"time"
)

type Direction string

const (
	Inbound  Direction = "IB"
	Outbound Direction = "OB"
)

// ParseDirection accepts the short codes as well as the spelled-out names.
func ParseDirection(value string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "ib", "inbound":
		return Inbound, nil
	case "ob", "outbound":
		return Outbound, nil
	default:
		return "", fmt.Errorf("unknown direction %q", value)
	}
}

// Assignment is the unit of contention: one load placed on one dock.
// Version starts at 1 and grows by exactly one per accepted mutation,
// including the delete that tombstones the record.
type Assignment struct {
	ID        int64      `json:"id" yaml:"id"`
	DockID    int64      `json:"dock_id" yaml:"dock_id"`
	LoadID    int64      `json:"load_id" yaml:"load_id"`
	StatusID  int64      `json:"status_id" yaml:"status_id"`
	Direction Direction  `json:"direction" yaml:"direction"`
	EtaIn     *time.Time `json:"eta_in,omitempty" yaml:"eta_in,omitempty"`
	EtaOut    *time.Time `json:"eta_out,omitempty" yaml:"eta_out,omitempty"`
	Version   int64      `json:"version" yaml:"-"`
	CreatedBy string     `json:"created_by" yaml:"-"`
	UpdatedBy string     `json:"updated_by" yaml:"-"`
	CreatedAt time.Time  `json:"created_at" yaml:"-"`
	UpdatedAt time.Time  `json:"updated_at" yaml:"-"`
	Deleted   bool       `json:"deleted,omitempty" yaml:"-"`
}

// Clone returns a deep copy; ETA pointers are not shared.
func (a Assignment) Clone() Assignment {
	out := a
	out.EtaIn = cloneTime(a.EtaIn)
	out.EtaOut = cloneTime(a.EtaOut)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Actor is the authenticated identity behind a mutation.
type Actor struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role,omitempty"`
}
