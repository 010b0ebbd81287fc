package driver

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/browsergrid/browsergrid/internal/types"
)

// FakeDriver is an in-memory Driver used by tests and by components that
// need pool/page semantics without a real browser process. Launch delay and
// health can be scripted per test.
type FakeDriver struct {
	mu sync.Mutex

	// LaunchDelay simulates slow process startup.
	LaunchDelay time.Duration
	// LaunchErr, when set, makes every Launch fail.
	LaunchErr error

	launched atomic.Int64
	browsers []*FakeBrowser
}

// NewFake returns a fake driver.
func NewFake() *FakeDriver {
	return &FakeDriver{}
}

// Launched returns the number of successful launches.
func (d *FakeDriver) Launched() int64 {
	return d.launched.Load()
}

// Browsers returns all browsers ever launched, live or closed.
func (d *FakeDriver) Browsers() []*FakeBrowser {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*FakeBrowser(nil), d.browsers...)
}

func (d *FakeDriver) Launch(ctx context.Context, opts LaunchOptions) (Browser, error) {
	if d.LaunchErr != nil {
		return nil, d.LaunchErr
	}
	if d.LaunchDelay > 0 {
		select {
		case <-time.After(d.LaunchDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	b := &FakeBrowser{healthy: true}
	d.mu.Lock()
	d.browsers = append(d.browsers, b)
	d.mu.Unlock()
	d.launched.Add(1)
	return b, nil
}

// FakeBrowser is the fake Browser. Health is controllable; page creation
// never touches the network.
type FakeBrowser struct {
	mu      sync.Mutex
	healthy bool
	closed  bool
	pages   []*FakePage
}

// SetHealthy flips the scripted health state.
func (b *FakeBrowser) SetHealthy(v bool) {
	b.mu.Lock()
	b.healthy = v
	b.mu.Unlock()
}

// Pages returns every page created on this browser.
func (b *FakeBrowser) Pages() []*FakePage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*FakePage(nil), b.pages...)
}

// Closed reports whether Close was called.
func (b *FakeBrowser) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *FakeBrowser) NewPage(ctx context.Context, opts PageOptions) (Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, types.ErrInstanceGone
	}
	p := &FakePage{url: "about:blank", opts: opts}
	b.pages = append(b.pages, p)
	return p, nil
}

func (b *FakeBrowser) Healthy(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.healthy && !b.closed
}

func (b *FakeBrowser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// FakePage records operations so tests can assert on them. NavigateErr and
// EvalResult script the outcomes.
type FakePage struct {
	mu   sync.Mutex
	opts PageOptions

	url    string
	title  string
	closed bool

	// Scripted behavior
	NavigateErr error
	EvalResult  any
	EvalErr     error

	// Recorded calls
	Navigations []string
	Evals       []string
	Clicks      []string
	Typed       map[string]string
	cookies     []types.Cookie
}

func (p *FakePage) fail() error {
	if p.closed {
		return types.ErrPageGone
	}
	return nil
}

func (p *FakePage) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(); err != nil {
		return err
	}
	if p.NavigateErr != nil {
		return p.NavigateErr
	}
	p.url = url
	p.Navigations = append(p.Navigations, url)
	return nil
}

func (p *FakePage) Reload(ctx context.Context) error  { return p.checkOpen() }
func (p *FakePage) Back(ctx context.Context) error    { return p.checkOpen() }
func (p *FakePage) Forward(ctx context.Context) error { return p.checkOpen() }

func (p *FakePage) checkOpen() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fail()
}

func (p *FakePage) Eval(ctx context.Context, js string) (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(); err != nil {
		return nil, err
	}
	p.Evals = append(p.Evals, js)
	if p.EvalErr != nil {
		return nil, p.EvalErr
	}
	return p.EvalResult, nil
}

func (p *FakePage) AddScript(ctx context.Context, url, source string) error { return p.checkOpen() }
func (p *FakePage) AddStyle(ctx context.Context, css string) error          { return p.checkOpen() }

func (p *FakePage) Click(ctx context.Context, selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(); err != nil {
		return err
	}
	p.Clicks = append(p.Clicks, selector)
	return nil
}

func (p *FakePage) Type(ctx context.Context, selector, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(); err != nil {
		return err
	}
	if p.Typed == nil {
		p.Typed = make(map[string]string)
	}
	p.Typed[selector] = text
	return nil
}

func (p *FakePage) SelectOption(ctx context.Context, selector, value string) error {
	return p.checkOpen()
}
func (p *FakePage) Press(ctx context.Context, key string, modifiers []string) error {
	return p.checkOpen()
}
func (p *FakePage) MouseMove(ctx context.Context, x, y float64) error { return p.checkOpen() }
func (p *FakePage) MouseClick(ctx context.Context, x, y float64, button string) error {
	return p.checkOpen()
}
func (p *FakePage) Scroll(ctx context.Context, deltaX, deltaY float64) error { return p.checkOpen() }

func (p *FakePage) Screenshot(ctx context.Context, fullPage bool, format string, quality int) ([]byte, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	return []byte("fake-screenshot"), nil
}

func (p *FakePage) PDF(ctx context.Context) ([]byte, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	return []byte("fake-pdf"), nil
}

func (p *FakePage) WaitSelector(ctx context.Context, selector string) error { return p.checkOpen() }
func (p *FakePage) WaitNavigation(ctx context.Context) error                { return p.checkOpen() }
func (p *FakePage) WaitIdle(ctx context.Context, d time.Duration) error     { return p.checkOpen() }
func (p *FakePage) WaitFunction(ctx context.Context, js string) error       { return p.checkOpen() }

func (p *FakePage) Upload(ctx context.Context, selector string, files []string) error {
	return p.checkOpen()
}

func (p *FakePage) Cookies(ctx context.Context) ([]types.Cookie, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(); err != nil {
		return nil, err
	}
	return append([]types.Cookie(nil), p.cookies...), nil
}

func (p *FakePage) SetCookies(ctx context.Context, cookies []types.Cookie) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(); err != nil {
		return err
	}
	p.cookies = append(p.cookies, cookies...)
	return nil
}

func (p *FakePage) DeleteCookies(ctx context.Context, names []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(); err != nil {
		return err
	}
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}
	keep := p.cookies[:0]
	for _, c := range p.cookies {
		if !drop[c.Name] {
			keep = append(keep, c)
		}
	}
	p.cookies = keep
	return nil
}

func (p *FakePage) ClearData(ctx context.Context, opts ClearOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(); err != nil {
		return err
	}
	if opts.Cookies {
		p.cookies = nil
	}
	return nil
}

func (p *FakePage) SetViewport(ctx context.Context, width, height int) error { return p.checkOpen() }

func (p *FakePage) Info(ctx context.Context) (PageInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(); err != nil {
		return PageInfo{}, err
	}
	return PageInfo{URL: p.url, Title: p.title}, nil
}

func (p *FakePage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
