package domain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"
)

// App is the persisted descriptor of one federated application.
type App struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	URL             string     `json:"url"`
	IconURL         string     `json:"iconUrl,omitempty"`
	Description     string     `json:"description,omitempty"`
	IsActive        bool       `json:"isActive"`
	Strategy        Strategy   `json:"-"`
	LastHeartbeatAt *time.Time `json:"lastHeartbeatAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// NewApp builds an active App and validates it.
func NewApp(name, url string, strategy Strategy) (App, error) {
	a := App{
		Name:     strings.TrimSpace(name),
		URL:      strings.TrimSpace(url),
		IsActive: true,
		Strategy: strategy,
	}
	return a, a.Validate()
}

// Validate checks the fields every descriptor needs regardless of strategy.
func (a App) Validate() error {
	if a.Name == "" {
		return ValidationError{Field: "name", Reason: "name is required"}
	}
	if a.URL == "" {
		return ValidationError{Field: "url", Reason: "url is required"}
	}
	if a.Strategy == nil {
		return ValidationError{Field: "integrationStrategy", Reason: "integration strategy is required"}
	}
	return a.Strategy.Validate()
}

// MarshalJSON inlines the strategy in its tagged wire form.
func (a App) MarshalJSON() ([]byte, error) {
	type alias App
	var spec *StrategySpec
	if a.Strategy != nil {
		s := SpecOf(a.Strategy)
		spec = &s
	}
	return json.Marshal(struct {
		alias
		IntegrationStrategy *StrategySpec `json:"integrationStrategy,omitempty"`
	}{alias: alias(a), IntegrationStrategy: spec})
}

// UnmarshalJSON accepts the tagged wire form produced by MarshalJSON.
func (a *App) UnmarshalJSON(data []byte) error {
	type alias App
	aux := struct {
		*alias
		IntegrationStrategy *StrategySpec `json:"integrationStrategy,omitempty"`
	}{alias: (*alias)(a)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.IntegrationStrategy != nil {
		s, err := aux.IntegrationStrategy.Strategy()
		if err != nil {
			return err
		}
		a.Strategy = s
	}
	return nil
}

// ValidationError rejects input before anything is persisted or loaded.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return e.Reason
}

// StrategyKind names the variant of an integration strategy.
type StrategyKind string

const (
	KindRemoteModule StrategyKind = "remote-module"
	KindIframe       StrategyKind = "iframe"
	KindWebComponent StrategyKind = "web-component"
)

// Strategy is the closed set of loading mechanisms. Only the types in this
// package implement it.
type Strategy interface {
	Kind() StrategyKind
	Validate() error
	isStrategy()
}

// RemoteModule loads a federated container from an entry script.
type RemoteModule struct {
	RemoteURL string
	Scope     string
	Module    string
}

func (RemoteModule) Kind() StrategyKind { return KindRemoteModule }
func (RemoteModule) isStrategy()        {}

func (s RemoteModule) Validate() error {
	var missing []string
	if strings.TrimSpace(s.RemoteURL) == "" {
		missing = append(missing, "remoteUrl")
	}
	if strings.TrimSpace(s.Scope) == "" {
		missing = append(missing, "scope")
	}
	if strings.TrimSpace(s.Module) == "" {
		missing = append(missing, "module")
	}
	if len(missing) > 0 {
		return ValidationError{
			Field:  "integrationStrategy",
			Reason: fmt.Sprintf("remote-module strategy requires %s", strings.Join(missing, ", ")),
		}
	}
	return nil
}

// Iframe embeds the app's base URL in a sandboxed frame.
type Iframe struct{}

func (Iframe) Kind() StrategyKind { return KindIframe }
func (Iframe) Validate() error    { return nil }
func (Iframe) isStrategy()        {}

// WebComponent mounts a custom element, injecting ScriptURL when the tag is
// not yet defined.
type WebComponent struct {
	TagName   string
	ScriptURL string
}

func (WebComponent) Kind() StrategyKind { return KindWebComponent }
func (WebComponent) isStrategy()        {}

func (s WebComponent) Validate() error {
	tag := strings.TrimSpace(s.TagName)
	if tag == "" {
		return ValidationError{Field: "integrationStrategy", Reason: "web-component strategy requires tagName"}
	}
	if !IsCustomElementName(tag) {
		return ValidationError{Field: "integrationStrategy", Reason: fmt.Sprintf("%q is not a valid custom element name", tag)}
	}
	return nil
}

var customElementName = regexp.MustCompile(`^[a-z][a-z0-9._]*-[a-z0-9._-]*$`)

// Names the HTML standard reserves even though they contain a hyphen.
var reservedElementNames = []string{
	"annotation-xml", "color-profile", "font-face", "font-face-src",
	"font-face-uri", "font-face-format", "font-face-name", "missing-glyph",
}

// IsCustomElementName reports whether tag is a lowercase custom element
// name that is safe to write into markup unescaped.
func IsCustomElementName(tag string) bool {
	return customElementName.MatchString(tag) && !slices.Contains(reservedElementNames, tag)
}

// StrategySpec is the flat wire and storage form of a Strategy.
type StrategySpec struct {
	Type      string `json:"type" yaml:"type" enum:"remote-module,iframe,web-component"`
	RemoteURL string `json:"remoteUrl,omitempty" yaml:"remote_url,omitempty"`
	Scope     string `json:"scope,omitempty" yaml:"scope,omitempty"`
	Module    string `json:"module,omitempty" yaml:"module,omitempty"`
	TagName   string `json:"tagName,omitempty" yaml:"tag_name,omitempty"`
	ScriptURL string `json:"scriptUrl,omitempty" yaml:"script_url,omitempty"`
}

// Strategy converts the wire form into its variant and validates it.
func (s StrategySpec) Strategy() (Strategy, error) {
	var out Strategy
	switch StrategyKind(strings.TrimSpace(s.Type)) {
	case KindRemoteModule:
		out = RemoteModule{RemoteURL: strings.TrimSpace(s.RemoteURL), Scope: strings.TrimSpace(s.Scope), Module: strings.TrimSpace(s.Module)}
	case KindIframe:
		out = Iframe{}
	case KindWebComponent:
		out = WebComponent{TagName: strings.TrimSpace(s.TagName), ScriptURL: strings.TrimSpace(s.ScriptURL)}
	default:
		return nil, ValidationError{Field: "integrationStrategy.type", Reason: fmt.Sprintf("unsupported integration strategy %q", s.Type)}
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// SpecOf returns the wire form of a strategy.
func SpecOf(s Strategy) StrategySpec {
	switch v := s.(type) {
	case RemoteModule:
		return StrategySpec{Type: string(KindRemoteModule), RemoteURL: v.RemoteURL, Scope: v.Scope, Module: v.Module}
	case WebComponent:
		return StrategySpec{Type: string(KindWebComponent), TagName: v.TagName, ScriptURL: v.ScriptURL}
	default:
		return StrategySpec{Type: string(KindIframe)}
	}
}

// Event is one row of the registry audit log.
type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	AppID   string `json:"appId,omitempty"`
	ActorID string `json:"actorId"`
	Payload string `json:"payloadJson"`
}
