package marketdata

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Aidin1998/tickercast/internal/config"
)

// Rule names the payload rule bound to a channel.
type Rule string

const (
	// RuleSnapshot publishes the register's current value.
	RuleSnapshot Rule = "snapshot"
	// RuleClock publishes the wall-clock time.
	RuleClock Rule = "clock"
)

var (
	ErrUnknownRule      = errors.New("unknown payload rule")
	ErrDuplicateChannel = errors.New("duplicate channel")
	ErrEmptyChannelID   = errors.New("empty channel id")
)

var nullPayload = json.RawMessage("null")

// PayloadRule computes the data part of an envelope.
type PayloadRule func(snap Snapshot, now time.Time) json.RawMessage

var rules = map[Rule]PayloadRule{
	RuleSnapshot: snapshotPayload,
	RuleClock:    clockPayload,
}

func snapshotPayload(snap Snapshot, _ time.Time) json.RawMessage {
	if snap.Empty() {
		return nullPayload
	}
	raw := []byte(snap.Value)
	if json.Valid(raw) {
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err == nil {
			return buf.Bytes()
		}
	}
	// Not JSON: ship the text verbatim as a JSON string.
	return quote(snap.Value)
}

// SnapshotPayload renders snap the way the snapshot rule does.
func SnapshotPayload(snap Snapshot) json.RawMessage {
	return snapshotPayload(snap, time.Time{})
}

func clockPayload(_ Snapshot, now time.Time) json.RawMessage {
	return quote(now.UTC().Format(time.RFC3339Nano))
}

func quote(s string) json.RawMessage {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
}

// Envelope is the outbound frame.
type Envelope struct {
	Channel interface{}     `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// ChannelDefinition binds a channel id to its payload rule.
type ChannelDefinition struct {
	ID string
	// Code, when non-zero, replaces ID in the envelope's channel field.
	Code    int
	Rule    Rule
	payload PayloadRule
}

// NewDefinition validates rule and builds a channel definition.
func NewDefinition(id string, rule Rule, code int) (ChannelDefinition, error) {
	if id == "" {
		return ChannelDefinition{}, ErrEmptyChannelID
	}
	payload, ok := rules[rule]
	if !ok {
		return ChannelDefinition{}, fmt.Errorf("channel %q: %w: %q", id, ErrUnknownRule, rule)
	}
	return ChannelDefinition{ID: id, Code: code, Rule: rule, payload: payload}, nil
}

func (d ChannelDefinition) wireID() interface{} {
	if d.Code != 0 {
		return d.Code
	}
	return d.ID
}

// Envelope renders the channel's frame for the given snapshot and time.
func (d ChannelDefinition) Envelope(snap Snapshot, now time.Time) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(Envelope{Channel: d.wireID(), Data: d.payload(snap, now)}); err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", d.ID, err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Catalog is the fixed, ordered set of channels known to the process.
type Catalog struct {
	defs  []ChannelDefinition
	index map[string]int
	codes map[int]string
}

// NewCatalog builds a catalog; declaration order is kept for broadcasting.
func NewCatalog(defs ...ChannelDefinition) (*Catalog, error) {
	c := &Catalog{
		defs:  make([]ChannelDefinition, 0, len(defs)),
		index: make(map[string]int, len(defs)),
		codes: make(map[int]string, len(defs)),
	}
	for _, d := range defs {
		if d.payload == nil {
			return nil, fmt.Errorf("channel %q: %w", d.ID, ErrUnknownRule)
		}
		if _, dup := c.index[d.ID]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateChannel, d.ID)
		}
		if d.Code != 0 {
			if other, dup := c.codes[d.Code]; dup {
				return nil, fmt.Errorf("%w: %q and %q share code %d", ErrDuplicateChannel, other, d.ID, d.Code)
			}
			c.codes[d.Code] = d.ID
		}
		c.index[d.ID] = len(c.defs)
		c.defs = append(c.defs, d)
	}
	return c, nil
}

// DefaultCatalog returns market (snapshot) followed by heartbeat (clock).
func DefaultCatalog() *Catalog {
	market, _ := NewDefinition("market", RuleSnapshot, 0)
	heartbeat, _ := NewDefinition("heartbeat", RuleClock, 0)
	c, _ := NewCatalog(market, heartbeat)
	return c
}

// CatalogFromConfig builds the catalog declared in the channels section.
func CatalogFromConfig(channels []config.ChannelConfig) (*Catalog, error) {
	defs := make([]ChannelDefinition, 0, len(channels))
	for _, ch := range channels {
		def, err := NewDefinition(ch.ID, Rule(ch.Rule), ch.Code)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return NewCatalog(defs...)
}

// Lookup finds a channel by exact id.
func (c *Catalog) Lookup(id string) (ChannelDefinition, bool) {
	i, ok := c.index[id]
	if !ok {
		return ChannelDefinition{}, false
	}
	return c.defs[i], true
}

// Definitions returns the channels in declaration order.
func (c *Catalog) Definitions() []ChannelDefinition {
	out := make([]ChannelDefinition, len(c.defs))
	copy(out, c.defs)
	return out
}

// IDs returns the channel ids in declaration order.
func (c *Catalog) IDs() []string {
	ids := make([]string, len(c.defs))
	for i, d := range c.defs {
		ids[i] = d.ID
	}
	return ids
}

// Envelope renders def's frame.
func (c *Catalog) Envelope(def ChannelDefinition, snap Snapshot, now time.Time) ([]byte, error) {
	return def.Envelope(snap, now)
}
