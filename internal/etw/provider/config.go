// Package provider describes what a trace session enables: manifest providers
// with their level and keyword filters, and the legacy kernel categories.
package provider

import (
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// Level is the event severity threshold. Lower is more severe; a provider
// enabled at Level L delivers every event whose level is <= L.
type Level uint8

const (
	LevelAlways Level = iota
	LevelCritical
	LevelError
	LevelWarning
	LevelInfo
	LevelVerbose
)

var levelNames = [...]string{"always", "critical", "error", "warning", "info", "verbose"}

func (l Level) String() string {
	if int(l) < len(levelNames) {
		return levelNames[l]
	}
	return fmt.Sprintf("level(%d)", uint8(l))
}

// ParseLevel accepts a level name or its number.
func ParseLevel(s string) (Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "information", "informational":
		return LevelInfo, nil
	case "warn":
		return LevelWarning, nil
	}
	for i, name := range levelNames {
		if s == name || s == fmt.Sprint(i) {
			return Level(i), nil
		}
	}
	return 0, fmt.Errorf("unknown trace level %q", s)
}

// EnableProperty requests extra data in each event's extended header.
type EnableProperty uint32

const (
	EnableStackTrace      EnableProperty = 0x1
	EnableSID             EnableProperty = 0x2
	EnableTSID            EnableProperty = 0x4
	EnableProcessStartKey EnableProperty = 0x8
)

// AllKeywords is the default MatchAnyKeyword: no keyword filtering.
const AllKeywords uint64 = 0xFFFFFFFFFFFFFFFF

// Config describes one provider to enable. Sessions keep their own copy, so a
// Config may be reused after it has been handed over.
type Config struct {
	GUID uuid.UUID
	Name string
	// Level is the most verbose level delivered.
	Level Level
	// MatchAnyKeyword selects events sharing at least one bit. Zero means
	// no filtering.
	MatchAnyKeyword uint64
	// MatchAllKeyword selects events carrying every bit set here.
	MatchAllKeyword uint64
	// EventIDs restricts delivery to these ids. Empty allows all.
	EventIDs         []uint16
	EnableProperties EnableProperty
}

// Option customizes a Config built with New.
type Option func(*Config)

func WithName(name string) Option        { return func(c *Config) { c.Name = name } }
func WithLevel(l Level) Option           { return func(c *Config) { c.Level = l } }
func WithKeywordsAny(mask uint64) Option { return func(c *Config) { c.MatchAnyKeyword = mask } }
func WithKeywordsAll(mask uint64) Option { return func(c *Config) { c.MatchAllKeyword = mask } }
func WithProperties(p EnableProperty) Option {
	return func(c *Config) { c.EnableProperties |= p }
}

// WithStackTrace asks the OS to attach a call stack to each event.
func WithStackTrace() Option { return WithProperties(EnableStackTrace) }

func WithEventIDs(ids ...uint16) Option {
	return func(c *Config) { c.EventIDs = append([]uint16(nil), ids...) }
}

// New builds a Config at Verbose level with no keyword filter.
func New(guid uuid.UUID, opts ...Option) Config {
	c := Config{
		GUID:            guid,
		Level:           LevelVerbose,
		MatchAnyKeyword: AllKeywords,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Parse builds a Config from a GUID string or a known provider name.
func Parse(nameOrGUID string, opts ...Option) (Config, error) {
	if known, ok := Lookup(nameOrGUID); ok {
		return New(known.GUID, append([]Option{WithName(known.Name)}, opts...)...), nil
	}
	g, err := uuid.Parse(strings.Trim(nameOrGUID, "{}"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid provider %q: not a known name or GUID", nameOrGUID)
	}
	return New(g, opts...), nil
}

// Clone returns a copy that shares no memory with c.
func (c Config) Clone() Config {
	c.EventIDs = slices.Clone(c.EventIDs)
	return c
}

// DisplayName is the name if set, otherwise the braced GUID.
func (c Config) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return "{" + c.GUID.String() + "}"
}

// CaptureStacks reports whether stack traces were requested.
func (c Config) CaptureStacks() bool { return c.EnableProperties&EnableStackTrace != 0 }

// Validate rejects configs that cannot be enabled.
func (c Config) Validate() error {
	if c.GUID == uuid.Nil {
		return fmt.Errorf("provider %s: GUID is required", c.DisplayName())
	}
	if c.Level > LevelVerbose {
		return fmt.Errorf("provider %s: level %d out of range", c.DisplayName(), c.Level)
	}
	return nil
}

// Matches applies the level, keyword and event id filters the OS applies when
// the provider is enabled. Backends that cannot filter natively use it.
func (c Config) Matches(level uint8, keyword uint64, eventID uint16) bool {
	// Level 0 (LogAlways) events pass any threshold.
	if level != 0 && level > uint8(c.Level) {
		return false
	}
	if c.MatchAnyKeyword != 0 && keyword != 0 && keyword&c.MatchAnyKeyword == 0 {
		return false
	}
	if c.MatchAllKeyword != 0 && keyword&c.MatchAllKeyword != c.MatchAllKeyword {
		return false
	}
	if len(c.EventIDs) > 0 && !slices.Contains(c.EventIDs, eventID) {
		return false
	}
	return true
}
