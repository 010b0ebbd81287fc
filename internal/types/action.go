package types

import (
	"encoding/json"
	"errors"
	"time"
)

// Action type tags. The dispatcher ships with a handler per tag; third
// parties may register additional tags at runtime.
const (
	ActionNavigate     = "navigate"
	ActionClick        = "click"
	ActionType         = "type"
	ActionSelect       = "select"
	ActionKeyboard     = "keyboard"
	ActionMouse        = "mouse"
	ActionScreenshot   = "screenshot"
	ActionPDF          = "pdf"
	ActionWait         = "wait"
	ActionScroll       = "scroll"
	ActionEvaluate     = "evaluate"
	ActionInjectScript = "injectScript"
	ActionInjectCSS    = "injectCSS"
	ActionUpload       = "upload"
	ActionCookie       = "cookie"
	ActionGoBack       = "goBack"
	ActionGoForward    = "goForward"
	ActionRefresh      = "refresh"
	ActionSetViewport  = "setViewport"
)

// Action is a tagged union: Type selects the handler, and only the fields
// relevant to that type are consulted. Unknown fields are ignored so that
// registered third-party types can extend the schema via Raw.
type Action struct {
	Type    string `json:"type"`
	PageID  string `json:"pageId"`
	Timeout int64  `json:"timeout,omitempty"` // ms; 0 means the per-type default

	// navigate / injectScript source URLs
	URL string `json:"url,omitempty"`

	// click / type / select / wait(selector) / upload
	Selector string `json:"selector,omitempty"`

	// type
	Text string `json:"text,omitempty"`

	// select
	Value string `json:"value,omitempty"`

	// keyboard
	Key       string   `json:"key,omitempty"`
	Modifiers []string `json:"modifiers,omitempty"`

	// mouse
	X      float64 `json:"x,omitempty"`
	Y      float64 `json:"y,omitempty"`
	Button string  `json:"button,omitempty"`

	// screenshot / pdf
	FullPage bool   `json:"fullPage,omitempty"`
	Format   string `json:"format,omitempty"`
	Quality  int    `json:"quality,omitempty"`

	// wait
	WaitFor string `json:"waitFor,omitempty"` // selector | navigation | timeout | function
	WaitMS  int64  `json:"waitMs,omitempty"`

	// scroll
	DeltaX float64 `json:"deltaX,omitempty"`
	DeltaY float64 `json:"deltaY,omitempty"`

	// evaluate / injectScript / wait(function)
	Function string `json:"function,omitempty"`
	Script   string `json:"script,omitempty"`

	// injectCSS
	CSS string `json:"css,omitempty"`

	// upload
	Files []string `json:"files,omitempty"`

	// cookie
	CookieOp string   `json:"cookieOp,omitempty"` // set | get | delete | clear
	Cookies  []Cookie `json:"cookies,omitempty"`
	Names    []string `json:"names,omitempty"`

	// setViewport
	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`

	// Raw carries extension fields for registered third-party action types.
	Raw json.RawMessage `json:"raw,omitempty"`
}

// Cookie is the wire representation of a browser cookie.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// ActionResult is the outcome of one executed action. Exactly one of Data
// or Error is populated.
type ActionResult struct {
	Success    bool           `json:"success"`
	ActionType string         `json:"actionType"`
	Data       any            `json:"data,omitempty"`
	Error      *ActionError   `json:"error,omitempty"`
	Duration   time.Duration  `json:"duration"`
	Timestamp  time.Time      `json:"timestamp"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ActionError is the wire form of a failed action.
type ActionError struct {
	Kind    Kind   `json:"kind"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// FromError converts an error chain into the wire form.
func FromError(err error) *ActionError {
	if err == nil {
		return nil
	}
	ae := &ActionError{Kind: KindOf(err), Message: err.Error()}
	var se *Error
	if errors.As(err, &se) {
		ae.Code = se.Code
	}
	return ae
}
