// Package driver abstracts the concrete browser-driving library behind
// small interfaces. The pool, page manager, and action handlers talk only
// to these interfaces; the rod implementation lives in rod.go and a fake
// for tests in fake.go.
package driver

import (
	"context"
	"time"

	"github.com/browsergrid/browsergrid/internal/types"
)

// LaunchOptions is forwarded to the underlying launcher.
type LaunchOptions struct {
	Headless    bool
	BrowserPath string
	ProxyURL    string
	ExtraFlags  map[string]string
}

// PageOptions customises a new page.
type PageOptions struct {
	Incognito         bool
	ViewportWidth     int
	ViewportHeight    int
	UserAgent         string
	ExtraHeaders      map[string]string
	JavaScriptEnabled *bool // nil means leave enabled
	BypassCSP         bool
	OfflineMode       bool
	CacheEnabled      *bool // nil means leave enabled
}

// ClearOptions selects which page data to clear.
type ClearOptions struct {
	Cookies        bool
	Cache          bool
	LocalStorage   bool
	SessionStorage bool
}

// PageInfo is a snapshot of page identity.
type PageInfo struct {
	URL   string
	Title string
}

// Driver launches browser processes.
type Driver interface {
	Launch(ctx context.Context, opts LaunchOptions) (Browser, error)
}

// Browser is one live browser process.
type Browser interface {
	// NewPage opens a page. Incognito pages get their own context.
	NewPage(ctx context.Context, opts PageOptions) (Page, error)

	// Healthy verifies the process still answers a trivial round trip.
	Healthy(ctx context.Context) bool

	Close() error
}

// Page is one live page. All methods honour the context's deadline and
// cancellation; implementations return at the nearest safe point after
// cancellation.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Reload(ctx context.Context) error
	Back(ctx context.Context) error
	Forward(ctx context.Context) error

	Eval(ctx context.Context, js string) (any, error)
	AddScript(ctx context.Context, url, source string) error
	AddStyle(ctx context.Context, css string) error

	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	SelectOption(ctx context.Context, selector, value string) error
	Press(ctx context.Context, key string, modifiers []string) error
	MouseMove(ctx context.Context, x, y float64) error
	MouseClick(ctx context.Context, x, y float64, button string) error
	Scroll(ctx context.Context, deltaX, deltaY float64) error

	Screenshot(ctx context.Context, fullPage bool, format string, quality int) ([]byte, error)
	PDF(ctx context.Context) ([]byte, error)

	WaitSelector(ctx context.Context, selector string) error
	WaitNavigation(ctx context.Context) error
	WaitIdle(ctx context.Context, d time.Duration) error
	WaitFunction(ctx context.Context, js string) error

	Upload(ctx context.Context, selector string, files []string) error

	Cookies(ctx context.Context) ([]types.Cookie, error)
	SetCookies(ctx context.Context, cookies []types.Cookie) error
	DeleteCookies(ctx context.Context, names []string) error
	ClearData(ctx context.Context, opts ClearOptions) error

	SetViewport(ctx context.Context, width, height int) error
	Info(ctx context.Context) (PageInfo, error)

	Close() error
}
