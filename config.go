package relay

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/rbaliyan/relay/broker"
)

// Configuration defaults
const (
	// DefaultApplicationName identifies the process when the configuration
	// does not name it.
	DefaultApplicationName = "relay"

	// DefaultStream is the stream listeners fall back to when neither they
	// nor the root configuration name one.
	DefaultStream = "EVENTS"

	// DefaultControlStream is the reserved stream carrying process-wide
	// coordination signals such as shutdown.
	DefaultControlStream = "MASTER"
)

// MessageDesignation identifies a registered message type used to decode a
// raw payload into a structured value. Absence means the payload is passed
// through as a generic field mapping.
type MessageDesignation struct {
	ModuleName string `json:"module_name"`
	Name       string `json:"name"`
}

// Key returns the registry key for the designation.
func (d *MessageDesignation) Key() string {
	return d.ModuleName + "." + d.Name
}

func (d *MessageDesignation) String() string {
	return d.Key()
}

// CodeDesignation identifies a registered handler and the fixed keyword
// arguments to bind to it. ModuleName+Name must resolve to a registered
// factory at construction time; anything else is a fatal configuration error.
type CodeDesignation struct {
	ModuleName  string              `json:"module_name"`
	Name        string              `json:"name"`
	Kwargs      map[string]any      `json:"kwargs,omitempty"`
	MessageType *MessageDesignation `json:"message_type,omitempty"`
}

// Key returns the registry key for the designation.
func (d *CodeDesignation) Key() string {
	return d.ModuleName + "." + d.Name
}

// TrackerID returns a stable identity for the designation including its
// bound kwargs and message type. Two designations with equal tracker IDs
// resolve to interchangeable handlers.
func (d *CodeDesignation) TrackerID() string {
	parts := []string{d.ModuleName, d.Name}

	keys := make([]string, 0, len(d.Kwargs))
	for k := range d.Kwargs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, d.Kwargs[k]))
	}

	if d.MessageType != nil {
		parts = append(parts, d.MessageType.Key())
	}
	return strings.Join(parts, ":")
}

func (d *CodeDesignation) String() string {
	return d.Key()
}

// BusConfig describes one event bus: a listener on a single stream routing
// each message to the handlers registered for its event type.
type BusConfig struct {
	Name       string                        `json:"name"`
	Stream     string                        `json:"stream,omitempty"`
	Connection *broker.Config                `json:"redis_configuration,omitempty"`
	Handlers   map[string][]*CodeDesignation `json:"handlers"`
}

// HandlerGroupConfig describes a single-event, single-handler listener, used
// when isolation from other events on the same stream is desired.
type HandlerGroupConfig struct {
	Name        string              `json:"name"`
	Stream      string              `json:"stream,omitempty"`
	Connection  *broker.Config      `json:"redis_configuration,omitempty"`
	Event       string              `json:"event"`
	Handler     *CodeDesignation    `json:"handler"`
	MessageType *MessageDesignation `json:"message_type,omitempty"`
}

// RootConfig is the parsed configuration file: the process identity, the
// default stream and connection, and every bus and handler group to launch.
// It is immutable once Parse has validated it.
type RootConfig struct {
	Name             string                `json:"name,omitempty"`
	Stream           string                `json:"stream,omitempty"`
	Connection       *broker.Config        `json:"redis_configuration,omitempty"`
	Busses           []*BusConfig          `json:"busses,omitempty"`
	Handlers         []*HandlerGroupConfig `json:"handlers,omitempty"`
	ControlStream    string                `json:"control_stream,omitempty"`
	DeadLetterStream string                `json:"dead_letter_stream,omitempty"`
	MaxStreamLength  int64                 `json:"approximate_max_stream_length,omitempty"`

	instance string
}

// Load reads and parses the configuration file at path.
func Load(path string) (*RootConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return Parse(data)
}

// Parse decodes, normalizes, and validates a JSON configuration document.
func Parse(data []byte) (*RootConfig, error) {
	var cfg RootConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Application returns the configured application name.
func (c *RootConfig) Application() string {
	return c.Name
}

// Instance returns the generated identifier distinguishing this process from
// sibling instances of the same application.
func (c *RootConfig) Instance() string {
	return c.instance
}

// EffectiveConnection overlays a listener's connection override onto the
// process-wide default, field by field.
func (c *RootConfig) EffectiveConnection(override *broker.Config) broker.Config {
	var base broker.Config
	if c.Connection != nil {
		base = *c.Connection
	}
	return base.Merge(override)
}

// StreamFor resolves a listener's stream name: the explicit value when set,
// else the process-wide default.
func (c *RootConfig) StreamFor(explicit string) string {
	if explicit != "" {
		return explicit
	}
	return c.Stream
}

// Environment overrides for process-wide settings. Set, they win over the
// configuration file, which lets one config serve several deployments.
const (
	EnvApplicationName = "EVENT_BUS_NAME"
	EnvStream          = "EVENT_BUS_STREAM"
	EnvControlStream   = "EVENT_BUS_CONTROL_STREAM"
)

func (c *RootConfig) normalize() error {
	var err error

	if c.Name, err = expandEnv(c.Name); err != nil {
		return err
	}
	if c.Stream, err = expandEnv(c.Stream); err != nil {
		return err
	}
	if c.ControlStream, err = expandEnv(c.ControlStream); err != nil {
		return err
	}

	if v, ok := os.LookupEnv(EnvApplicationName); ok {
		c.Name = v
	}
	if v, ok := os.LookupEnv(EnvStream); ok {
		c.Stream = v
	}
	if v, ok := os.LookupEnv(EnvControlStream); ok {
		c.ControlStream = v
	}

	if c.Name == "" {
		c.Name = DefaultApplicationName
	}
	if c.Stream == "" {
		c.Stream = DefaultStream
	}
	if c.ControlStream == "" {
		c.ControlStream = DefaultControlStream
	}
	c.instance = NewInstanceID()

	if err := normalizeConnection(c.Connection); err != nil {
		return err
	}

	for _, bus := range c.Busses {
		if bus == nil {
			continue
		}
		if bus.Name, err = expandEnv(bus.Name); err != nil {
			return err
		}
		if bus.Stream, err = expandEnv(bus.Stream); err != nil {
			return err
		}
		if err := normalizeConnection(bus.Connection); err != nil {
			return err
		}
		for _, designations := range bus.Handlers {
			for _, d := range designations {
				if err := normalizeDesignation(d); err != nil {
					return err
				}
			}
		}
	}

	for _, group := range c.Handlers {
		if group == nil {
			continue
		}
		if group.Name, err = expandEnv(group.Name); err != nil {
			return err
		}
		if group.Stream, err = expandEnv(group.Stream); err != nil {
			return err
		}
		if group.Event, err = expandEnv(group.Event); err != nil {
			return err
		}
		if err := normalizeConnection(group.Connection); err != nil {
			return err
		}
		if group.Handler != nil {
			if err := normalizeDesignation(group.Handler); err != nil {
				return err
			}
		}
	}

	return nil
}

func (c *RootConfig) validate() error {
	if len(c.Busses) == 0 && len(c.Handlers) == 0 {
		return fmt.Errorf("%w: either busses or handlers must be defined", ErrConfiguration)
	}

	seen := make(map[string]bool)
	register := func(kind, name string) error {
		if name == "" {
			return fmt.Errorf("%w: every %s needs a name", ErrConfiguration, kind)
		}
		if seen[name] {
			return fmt.Errorf("%w: duplicate listener name %q", ErrConfiguration, name)
		}
		seen[name] = true
		return nil
	}

	for _, bus := range c.Busses {
		if bus == nil {
			return fmt.Errorf("%w: null bus entry", ErrConfiguration)
		}
		if err := register("bus", bus.Name); err != nil {
			return err
		}
		if len(bus.Handlers) == 0 {
			return fmt.Errorf("%w: bus %q defines no event handlers", ErrConfiguration, bus.Name)
		}
		for event, designations := range bus.Handlers {
			if event == "" {
				return fmt.Errorf("%w: bus %q maps handlers to an empty event name", ErrConfiguration, bus.Name)
			}
			if len(designations) == 0 {
				return fmt.Errorf("%w: bus %q event %q has no handlers", ErrConfiguration, bus.Name, event)
			}
			for _, d := range designations {
				if err := validateDesignation(d, fmt.Sprintf("bus %q event %q", bus.Name, event)); err != nil {
					return err
				}
			}
		}
	}

	for _, group := range c.Handlers {
		if group == nil {
			return fmt.Errorf("%w: null handler entry", ErrConfiguration)
		}
		if err := register("handler group", group.Name); err != nil {
			return err
		}
		if group.Event == "" {
			return fmt.Errorf("%w: handler group %q needs an event", ErrConfiguration, group.Name)
		}
		if err := validateDesignation(group.Handler, fmt.Sprintf("handler group %q", group.Name)); err != nil {
			return err
		}
	}

	return nil
}

func validateDesignation(d *CodeDesignation, where string) error {
	if d == nil {
		return fmt.Errorf("%w: %s has a null handler designation", ErrConfiguration, where)
	}
	if d.ModuleName == "" || d.Name == "" {
		return fmt.Errorf("%w: %s handler needs module_name and name", ErrConfiguration, where)
	}
	if d.MessageType != nil && (d.MessageType.ModuleName == "" || d.MessageType.Name == "") {
		return fmt.Errorf("%w: %s message type needs module_name and name", ErrConfiguration, where)
	}
	return nil
}

func normalizeDesignation(d *CodeDesignation) error {
	if d == nil {
		return nil
	}
	var err error
	if d.ModuleName, err = expandEnv(d.ModuleName); err != nil {
		return err
	}
	if d.Name, err = expandEnv(d.Name); err != nil {
		return err
	}
	if d.MessageType != nil {
		if d.MessageType.ModuleName, err = expandEnv(d.MessageType.ModuleName); err != nil {
			return err
		}
		if d.MessageType.Name, err = expandEnv(d.MessageType.Name); err != nil {
			return err
		}
	}
	return nil
}

func normalizeConnection(cfg *broker.Config) error {
	if cfg == nil {
		return nil
	}
	var err error
	if cfg.Host, err = expandEnv(cfg.Host); err != nil {
		return err
	}
	if cfg.Username, err = expandEnv(cfg.Username); err != nil {
		return err
	}
	return nil
}

// expandEnv substitutes values of the form "$NAME" with the named environment
// variable. A reference to an unset variable is a configuration error.
func expandEnv(value string) (string, error) {
	if !strings.HasPrefix(value, "$") {
		return value, nil
	}
	name := value[1:]
	resolved, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("%w: environment variable %q referenced by the configuration is not set",
			ErrConfiguration, name)
	}
	return resolved, nil
}

// NewInstanceID generates a short identifier distinguishing this process
// instance from siblings running the same configuration.
func NewInstanceID() string {
	return uuid.NewString()[:8]
}
