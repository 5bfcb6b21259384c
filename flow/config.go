package flow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/micromdm/nanoflow/vars"
)

var (
	ErrEmptyTarget         = errors.New("target has no resourceId, text, contentDescription, iconTemplate, or coordinates")
	ErrMissingTimeout      = errors.New("timeout must be greater than zero")
	ErrMissingOutput       = errors.New("missing outputVariable")
	ErrInvalidCheckType    = errors.New("invalid checkType")
	ErrInvalidPolicy       = errors.New("invalid failure policy")
	ErrInvalidDirection    = errors.New("invalid direction")
	ErrInvalidClickCount   = errors.New("clickCount must be at least 1")
	ErrInvalidDelayRange   = errors.New("maxDelay must not be less than minDelay")
	ErrMissingPackageName  = errors.New("missing packageName")
	ErrInvalidKeyCode      = errors.New("keyCode must be greater than zero")
	ErrInvalidScale        = errors.New("scale must be greater than zero")
	ErrInvalidSwipe        = errors.New("swipe needs startX, startY, endX, endY or a direction")
	ErrNegativeDuration    = errors.New("durations must not be negative")
	ErrUnknownNodeType     = errors.New("unknown node type")
	ErrInvalidOutputName   = errors.New("invalid outputVariable name")
	ErrInvalidPollInterval = errors.New("pollInterval must not be negative")
)

// Config is the decoded, type-specific configuration of a node.
// There is exactly one concrete Config type per NodeType.
type Config interface {
	NodeType() NodeType
	Base() *Common
	Validate() error
}

// Common holds configuration shared by every node type.
type Common struct {
	// Timeout is the task-level upper bound in milliseconds.
	Timeout     int    `json:"timeout,omitempty"`
	Description string `json:"description,omitempty"`
}

// Base returns c.
func (c *Common) Base() *Common { return c }

// TimeoutDuration returns the configured task timeout; zero if unset.
func (c *Common) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Millisecond
}

func (c *Common) validate() error {
	if c.Timeout < 0 {
		return ErrMissingTimeout
	}
	return nil
}

// TimeoutPolicy is applied when a wait exhausts its timeout.
type TimeoutPolicy string

const (
	OnTimeoutFail  TimeoutPolicy = "fail"
	OnTimeoutSkip  TimeoutPolicy = "skip"
	OnTimeoutRetry TimeoutPolicy = "retry"
)

// FailurePolicy is applied when an assertion does not hold.
type FailurePolicy string

const (
	OnFailureStop     FailurePolicy = "stop"
	OnFailureContinue FailurePolicy = "continue"
	OnFailureRetry    FailurePolicy = "retry"
)

// CheckType is the predicate evaluated by assert and element_check nodes.
type CheckType string

const (
	CheckExists       CheckType = "exists"
	CheckNotExists    CheckType = "not_exists"
	CheckTextEquals   CheckType = "text_equals"
	CheckTextContains CheckType = "text_contains"
	CheckIsChecked    CheckType = "is_checked"
)

func (c CheckType) valid() bool {
	switch c {
	case CheckExists, CheckNotExists, CheckTextEquals, CheckTextContains, CheckIsChecked:
		return true
	}
	return false
}

func validDirection(d string) bool {
	switch d {
	case "up", "down", "left", "right":
		return true
	}
	return false
}

func validOutput(name string) error {
	if name == "" {
		return ErrMissingOutput
	}
	if !vars.ValidName(name) {
		return fmt.Errorf("%w: %s", ErrInvalidOutputName, name)
	}
	return nil
}

func validDurations(ds ...int) error {
	for _, d := range ds {
		if d < 0 {
			return ErrNegativeDuration
		}
	}
	return nil
}

func validTarget(c *Common, t *Target) error {
	if err := c.validate(); err != nil {
		return err
	}
	return t.Validate()
}

type TapConfig struct {
	Common
	Target
}

func (c *TapConfig) NodeType() NodeType { return Tap }
func (c *TapConfig) Validate() error    { return validTarget(&c.Common, &c.Target) }

type DoubleTapConfig struct {
	Common
	Target
	// Interval between the two taps in milliseconds.
	Interval int `json:"interval,omitempty"`
}

func (c *DoubleTapConfig) NodeType() NodeType { return DoubleTap }
func (c *DoubleTapConfig) Validate() error {
	if err := validDurations(c.Interval); err != nil {
		return err
	}
	return validTarget(&c.Common, &c.Target)
}

type LongPressConfig struct {
	Common
	Target
	// Duration of the press in milliseconds. Defaults to DefaultLongPress.
	Duration int `json:"duration,omitempty"`
}

// DefaultLongPress is the long press duration in milliseconds when unset.
const DefaultLongPress = 1000

func (c *LongPressConfig) NodeType() NodeType { return LongPress }
func (c *LongPressConfig) Validate() error {
	if err := validDurations(c.Duration); err != nil {
		return err
	}
	return validTarget(&c.Common, &c.Target)
}

// TextInputConfig types Text into the target field.
// The "text" key holds the typed text and hides Target.Text, so the field
// is selected by its current text with the "targetText" key.
type TextInputConfig struct {
	Common
	Target
	// Text is the text to type. It is required to be present but may be
	// empty to only focus (and optionally clear) a field.
	Text       string `json:"text"`
	TargetText string `json:"targetText,omitempty"`
	ClearFirst bool   `json:"clearFirst,omitempty"`
}

func (c *TextInputConfig) NodeType() NodeType { return TextInput }
func (c *TextInputConfig) selectByText()      { selectByText(&c.Target, c.TargetText) }
func (c *TextInputConfig) Validate() error    { return validTarget(&c.Common, &c.Target) }

type SwipeConfig struct {
	Common
	StartX    *int    `json:"startX,omitempty"`
	StartY    *int    `json:"startY,omitempty"`
	EndX      *int    `json:"endX,omitempty"`
	EndY      *int    `json:"endY,omitempty"`
	Direction string  `json:"direction,omitempty"`
	Percent   float64 `json:"percent,omitempty"`
	Duration  int     `json:"duration,omitempty"`
}

// HasCoordinates reports whether all four swipe coordinates are set.
func (c *SwipeConfig) HasCoordinates() bool {
	return c.StartX != nil && c.StartY != nil && c.EndX != nil && c.EndY != nil
}

func (c *SwipeConfig) NodeType() NodeType { return Swipe }
func (c *SwipeConfig) Validate() error {
	if err := c.Common.validate(); err != nil {
		return err
	}
	if err := validDurations(c.Duration); err != nil {
		return err
	}
	if c.HasCoordinates() {
		return nil
	}
	if c.Direction == "" {
		return ErrInvalidSwipe
	}
	if !validDirection(c.Direction) {
		return fmt.Errorf("%w: %s", ErrInvalidDirection, c.Direction)
	}
	return nil
}

type ScrollConfig struct {
	Common
	Direction string `json:"direction"`
	Steps     int    `json:"steps,omitempty"`
}

func (c *ScrollConfig) NodeType() NodeType { return Scroll }
func (c *ScrollConfig) Validate() error {
	if err := c.Common.validate(); err != nil {
		return err
	}
	if !validDirection(c.Direction) {
		return fmt.Errorf("%w: %s", ErrInvalidDirection, c.Direction)
	}
	return nil
}

type FlingConfig struct {
	Common
	Direction string `json:"direction"`
	Speed     int    `json:"speed,omitempty"`
}

func (c *FlingConfig) NodeType() NodeType { return Fling }
func (c *FlingConfig) Validate() error {
	if err := c.Common.validate(); err != nil {
		return err
	}
	if !validDirection(c.Direction) {
		return fmt.Errorf("%w: %s", ErrInvalidDirection, c.Direction)
	}
	return nil
}

type DragDropConfig struct {
	Common
	Source      Target `json:"source"`
	Destination Target `json:"destination"`
	Duration    int    `json:"duration,omitempty"`
}

func (c *DragDropConfig) NodeType() NodeType { return DragDrop }
func (c *DragDropConfig) Validate() error {
	if err := validDurations(c.Duration); err != nil {
		return err
	}
	if err := validTarget(&c.Common, &c.Source); err != nil {
		return fmt.Errorf("source: %w", err)
	}
	if err := c.Destination.Validate(); err != nil {
		return fmt.Errorf("destination: %w", err)
	}
	return nil
}

type PinchZoomConfig struct {
	Common
	X        int     `json:"x"`
	Y        int     `json:"y"`
	Scale    float64 `json:"scale"`
	Duration int     `json:"duration,omitempty"`
}

func (c *PinchZoomConfig) NodeType() NodeType { return PinchZoom }
func (c *PinchZoomConfig) Validate() error {
	if err := c.Common.validate(); err != nil {
		return err
	}
	if c.Scale <= 0 {
		return ErrInvalidScale
	}
	return validDurations(c.Duration)
}

type KeyEventConfig struct {
	Common
	KeyCode int `json:"keyCode"`
}

func (c *KeyEventConfig) NodeType() NodeType { return KeyEvent }
func (c *KeyEventConfig) Validate() error {
	if err := c.Common.validate(); err != nil {
		return err
	}
	if c.KeyCode <= 0 {
		return ErrInvalidKeyCode
	}
	return nil
}

// SystemConfig configures the parameterless system navigation and media nodes.
type SystemConfig struct {
	Common
	kind NodeType
}

func (c *SystemConfig) NodeType() NodeType { return c.kind }
func (c *SystemConfig) Validate() error    { return c.Common.validate() }

type OpenAppConfig struct {
	Common
	PackageName string `json:"packageName"`
	Activity    string `json:"activity,omitempty"`
}

func (c *OpenAppConfig) NodeType() NodeType { return OpenApp }
func (c *OpenAppConfig) Validate() error {
	if err := c.Common.validate(); err != nil {
		return err
	}
	if c.PackageName == "" {
		return ErrMissingPackageName
	}
	return nil
}

type WaitForElementConfig struct {
	Common
	Target
	// PollInterval in milliseconds. The engine default is used when unset.
	PollInterval int           `json:"pollInterval,omitempty"`
	OnTimeout    TimeoutPolicy `json:"onTimeout,omitempty"`
}

// TimeoutPolicy returns the timeout policy, defaulting to fail.
func (c *WaitForElementConfig) TimeoutPolicy() TimeoutPolicy {
	if c.OnTimeout == "" {
		return OnTimeoutFail
	}
	return c.OnTimeout
}

func (c *WaitForElementConfig) NodeType() NodeType { return WaitForElement }
func (c *WaitForElementConfig) Validate() error {
	if c.Timeout <= 0 {
		return ErrMissingTimeout
	}
	if c.PollInterval < 0 {
		return ErrInvalidPollInterval
	}
	switch c.TimeoutPolicy() {
	case OnTimeoutFail, OnTimeoutSkip, OnTimeoutRetry:
	default:
		return fmt.Errorf("%w: onTimeout: %s", ErrInvalidPolicy, c.OnTimeout)
	}
	return validTarget(&c.Common, &c.Target)
}

type AssertConfig struct {
	Common
	Target
	CheckType    CheckType     `json:"checkType"`
	ExpectedText string        `json:"expectedText,omitempty"`
	OnFailure    FailurePolicy `json:"onFailure,omitempty"`
}

// FailurePolicy returns the failure policy, defaulting to stop.
func (c *AssertConfig) FailurePolicy() FailurePolicy {
	if c.OnFailure == "" {
		return OnFailureStop
	}
	return c.OnFailure
}

func (c *AssertConfig) NodeType() NodeType { return Assert }
func (c *AssertConfig) Validate() error {
	if !c.CheckType.valid() {
		return fmt.Errorf("%w: %s", ErrInvalidCheckType, c.CheckType)
	}
	switch c.FailurePolicy() {
	case OnFailureStop, OnFailureContinue, OnFailureRetry:
	default:
		return fmt.Errorf("%w: onFailure: %s", ErrInvalidPolicy, c.OnFailure)
	}
	return validTarget(&c.Common, &c.Target)
}

type ElementCheckConfig struct {
	Common
	Target
	CheckType    CheckType `json:"checkType"`
	ExpectedText string    `json:"expectedText,omitempty"`
}

func (c *ElementCheckConfig) NodeType() NodeType { return ElementCheck }
func (c *ElementCheckConfig) Validate() error {
	if !c.CheckType.valid() {
		return fmt.Errorf("%w: %s", ErrInvalidCheckType, c.CheckType)
	}
	return validTarget(&c.Common, &c.Target)
}

// OutputConfig configures the nodes that write a variable binding.
type OutputConfig struct {
	Common
	Target
	OutputVariable string `json:"outputVariable"`
	kind           NodeType
}

func (c *OutputConfig) NodeType() NodeType { return c.kind }
func (c *OutputConfig) Validate() error {
	if err := validOutput(c.OutputVariable); err != nil {
		return err
	}
	return validTarget(&c.Common, &c.Target)
}

// ElementConfig configures the element-targeted nodes without extra parameters.
type ElementConfig struct {
	Common
	Target
	kind NodeType
}

func (c *ElementConfig) NodeType() NodeType { return c.kind }
func (c *ElementConfig) Validate() error    { return validTarget(&c.Common, &c.Target) }

// AppendTextConfig appends Text to the target field.
// As with TextInputConfig the field text is matched with "targetText".
type AppendTextConfig struct {
	Common
	Target
	Text       string `json:"text"`
	TargetText string `json:"targetText,omitempty"`
}

func (c *AppendTextConfig) NodeType() NodeType { return AppendText }
func (c *AppendTextConfig) selectByText()      { selectByText(&c.Target, c.TargetText) }
func (c *AppendTextConfig) Validate() error    { return validTarget(&c.Common, &c.Target) }

// selectByText sets the element text to match when "text" holds the
// text to type.
func selectByText(t *Target, text string) {
	if text != "" {
		t.Text = text
	}
}

type RepeatClickConfig struct {
	Common
	Target
	ClickCount int `json:"clickCount"`
	// DelayBetweenClicks is the fixed delay in milliseconds.
	// If MaxDelay is set a random delay in [MinDelay, MaxDelay] is used instead.
	DelayBetweenClicks int `json:"delayBetweenClicks,omitempty"`
	MinDelay           int `json:"minDelay,omitempty"`
	MaxDelay           int `json:"maxDelay,omitempty"`
}

// Jittered reports whether a random delay range is configured.
func (c *RepeatClickConfig) Jittered() bool {
	return c.MaxDelay > 0
}

func (c *RepeatClickConfig) NodeType() NodeType { return RepeatClick }
func (c *RepeatClickConfig) Validate() error {
	if c.ClickCount < 1 {
		return ErrInvalidClickCount
	}
	if err := validDurations(c.DelayBetweenClicks, c.MinDelay, c.MaxDelay); err != nil {
		return err
	}
	if c.Jittered() && c.MaxDelay < c.MinDelay {
		return ErrInvalidDelayRange
	}
	return validTarget(&c.Common, &c.Target)
}

// newConfig returns a zero Config value for t.
func newConfig(t NodeType) Config {
	switch t {
	case Tap:
		return new(TapConfig)
	case DoubleTap:
		return new(DoubleTapConfig)
	case LongPress:
		return new(LongPressConfig)
	case TextInput:
		return new(TextInputConfig)
	case Swipe:
		return new(SwipeConfig)
	case Scroll:
		return new(ScrollConfig)
	case DragDrop:
		return new(DragDropConfig)
	case PinchZoom:
		return new(PinchZoomConfig)
	case Fling:
		return new(FlingConfig)
	case KeyEvent:
		return new(KeyEventConfig)
	case Back, Home, Recents, Notifications, QuickSettings, VolumeUp, VolumeDown, MediaPlayPause:
		return &SystemConfig{kind: t}
	case OpenApp:
		return new(OpenAppConfig)
	case WaitForElement:
		return new(WaitForElementConfig)
	case Assert:
		return new(AssertConfig)
	case ElementCheck:
		return new(ElementCheckConfig)
	case GetBounds, IsVisible, CountElements, GetText:
		return &OutputConfig{kind: t}
	case ClearText, SelectAll:
		return &ElementConfig{kind: t}
	case AppendText:
		return new(AppendTextConfig)
	case RepeatClick:
		return new(RepeatClickConfig)
	}
	return nil
}

// DecodeConfig decodes and validates raw as the configuration for t.
// Unknown JSON fields are ignored; the authoring UI stores layout data
// alongside the configuration.
func DecodeConfig(t NodeType, raw []byte) (Config, error) {
	cfg := newConfig(t)
	if cfg == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNodeType, t)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("decoding %s config: %w", t, err)
		}
	}
	if st, ok := cfg.(interface{ selectByText() }); ok {
		st.selectByText()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s config: %w", t, err)
	}
	return cfg, nil
}
