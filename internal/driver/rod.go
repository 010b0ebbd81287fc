package driver

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"

	"github.com/browsergrid/browsergrid/internal/types"
	"github.com/browsergrid/browsergrid/pkg/version"
)

// RodDriver drives Chrome/Chromium through go-rod over CDP.
type RodDriver struct{}

// NewRod returns the rod-backed driver.
func NewRod() *RodDriver {
	return &RodDriver{}
}

// createLauncher builds a configured rod launcher. The flags are tuned for
// container environments and low-noise automation.
func createLauncher(opts LaunchOptions) *launcher.Launcher {
	l := launcher.New()

	if opts.BrowserPath != "" {
		l = l.Bin(opts.BrowserPath)
	}

	if opts.Headless {
		l = l.Set("headless", "new")
	} else {
		// Rod enables headless by default; disable explicitly when a
		// display (e.g. Xvfb) is available.
		l = l.Headless(false)
	}

	// Container flags
	l = l.Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage")

	if opts.ProxyURL != "" {
		l = l.Set("proxy-server", opts.ProxyURL)
	}

	// Automation fingerprint reduction
	l = l.Set("disable-blink-features", "AutomationControlled")
	l = l.Delete("enable-automation")

	// Behavior and stability
	l = l.Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-background-networking").
		Set("disable-default-apps").
		Set("disable-extensions").
		Set("disable-sync").
		Set("mute-audio").
		Set("window-size", "1920,1080")

	for k, v := range opts.ExtraFlags {
		if v == "" {
			l = l.Set(flags.Flag(k))
		} else {
			l = l.Set(flags.Flag(k), v)
		}
	}

	return l
}

// Launch starts a browser process and connects to it over CDP.
func (d *RodDriver) Launch(ctx context.Context, opts LaunchOptions) (Browser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	l := createLauncher(opts)
	url, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	b := rod.New().ControlURL(url).Context(ctx)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	log.Debug().Str("url", url).Msg("Browser launched")
	return &rodBrowser{browser: b, launcher: l}, nil
}

type rodBrowser struct {
	browser  *rod.Browser
	launcher *launcher.Launcher
}

func (b *rodBrowser) NewPage(ctx context.Context, opts PageOptions) (Page, error) {
	target := b.browser
	if opts.Incognito {
		inc, err := b.browser.Incognito()
		if err != nil {
			return nil, fmt.Errorf("failed to create incognito context: %w", err)
		}
		target = inc
	}

	page, err := target.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}

	rp := &rodPage{page: page}
	if err := rp.configure(ctx, opts); err != nil {
		_ = page.Close()
		return nil, err
	}
	return rp, nil
}

func (b *rodBrowser) Healthy(ctx context.Context) bool {
	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// A trivial create/navigate/close round trip, like the pool's
	// health protocol requires.
	page, err := b.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		log.Debug().Err(err).Msg("Browser health check failed: cannot create page")
		return false
	}
	defer page.Close()

	if err := page.Context(hctx).Navigate("about:blank"); err != nil {
		log.Debug().Err(err).Msg("Browser health check failed: cannot navigate")
		return false
	}
	return true
}

func (b *rodBrowser) Close() error {
	err := b.browser.Close()
	if b.launcher != nil {
		b.launcher.Cleanup()
	}
	return err
}

type rodPage struct {
	page *rod.Page
}

// configure applies page options before the page is handed out.
func (p *rodPage) configure(ctx context.Context, opts PageOptions) error {
	page := p.page.Context(ctx)

	// Stealth patches go in before any content loads.
	if _, err := page.EvalOnNewDocument(stealth.JS); err != nil {
		return fmt.Errorf("failed to apply stealth patches: %w", err)
	}

	ua := opts.UserAgent
	if ua == "" {
		ua = version.UserAgent
	}
	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: ua}); err != nil {
		return fmt.Errorf("failed to set user agent: %w", err)
	}

	if opts.ViewportWidth > 0 && opts.ViewportHeight > 0 {
		if err := p.SetViewport(ctx, opts.ViewportWidth, opts.ViewportHeight); err != nil {
			return err
		}
	}

	if len(opts.ExtraHeaders) > 0 {
		kv := make([]string, 0, len(opts.ExtraHeaders)*2)
		for k, v := range opts.ExtraHeaders {
			kv = append(kv, k, v)
		}
		if _, err := page.SetExtraHeaders(kv); err != nil {
			return fmt.Errorf("failed to set extra headers: %w", err)
		}
	}

	if opts.JavaScriptEnabled != nil && !*opts.JavaScriptEnabled {
		if err := (proto.EmulationSetScriptExecutionDisabled{Value: true}).Call(page); err != nil {
			return fmt.Errorf("failed to disable script execution: %w", err)
		}
	}

	if opts.BypassCSP {
		if err := (proto.PageSetBypassCSP{Enabled: true}).Call(page); err != nil {
			return fmt.Errorf("failed to bypass CSP: %w", err)
		}
	}

	if opts.OfflineMode {
		err := (proto.NetworkEmulateNetworkConditions{
			Offline:            true,
			DownloadThroughput: -1,
			UploadThroughput:   -1,
		}).Call(page)
		if err != nil {
			return fmt.Errorf("failed to enable offline mode: %w", err)
		}
	}

	if opts.CacheEnabled != nil && !*opts.CacheEnabled {
		if err := (proto.NetworkSetCacheDisabled{CacheDisabled: true}).Call(page); err != nil {
			return fmt.Errorf("failed to disable cache: %w", err)
		}
	}

	return nil
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	page := p.page.Context(ctx)
	if err := page.Navigate(url); err != nil {
		return err
	}
	return page.WaitLoad()
}

func (p *rodPage) Reload(ctx context.Context) error {
	page := p.page.Context(ctx)
	if err := page.Reload(); err != nil {
		return err
	}
	return page.WaitLoad()
}

func (p *rodPage) Back(ctx context.Context) error {
	return p.page.Context(ctx).NavigateBack()
}

func (p *rodPage) Forward(ctx context.Context) error {
	return p.page.Context(ctx).NavigateForward()
}

func (p *rodPage) Eval(ctx context.Context, js string) (any, error) {
	res, err := p.page.Context(ctx).Eval(js)
	if err != nil {
		return nil, err
	}
	// res.Value is a gson.JSON wrapping the serialized result.
	return res.Value.Val(), nil
}

func (p *rodPage) AddScript(ctx context.Context, url, source string) error {
	return p.page.Context(ctx).AddScriptTag(url, source)
}

func (p *rodPage) AddStyle(ctx context.Context, css string) error {
	return p.page.Context(ctx).AddStyleTag("", css)
}

func (p *rodPage) Click(ctx context.Context, selector string) error {
	el, err := p.page.Context(ctx).Element(selector)
	if err != nil {
		return err
	}
	if err := el.WaitVisible(); err != nil {
		return err
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (p *rodPage) Type(ctx context.Context, selector, text string) error {
	el, err := p.page.Context(ctx).Element(selector)
	if err != nil {
		return err
	}
	if err := el.WaitVisible(); err != nil {
		return err
	}
	return el.Input(text)
}

func (p *rodPage) SelectOption(ctx context.Context, selector, value string) error {
	el, err := p.page.Context(ctx).Element(selector)
	if err != nil {
		return err
	}
	return el.Select([]string{value}, true, rod.SelectorTypeText)
}

// keyLookup maps wire key names to CDP keys. Unknown keys fail with a
// not-supported error rather than being silently typed.
var keyLookup = map[string]input.Key{
	"enter":      input.Enter,
	"tab":        input.Tab,
	"escape":     input.Escape,
	"space":      input.Space,
	"backspace":  input.Backspace,
	"delete":     input.Delete,
	"arrowup":    input.ArrowUp,
	"arrowdown":  input.ArrowDown,
	"arrowleft":  input.ArrowLeft,
	"arrowright": input.ArrowRight,
	"home":       input.Home,
	"end":        input.End,
	"pageup":     input.PageUp,
	"pagedown":   input.PageDown,
}

func (p *rodPage) Press(ctx context.Context, key string, modifiers []string) error {
	k, ok := keyLookup[strings.ToLower(key)]
	if !ok {
		if len(key) == 1 {
			// Single printable character: type it directly.
			return p.page.Context(ctx).InsertText(key)
		}
		return types.E(types.KindNotSupported, "UNSUPPORTED_KEY", "key %q is not supported", key)
	}
	kb := p.page.Context(ctx).Keyboard
	for _, m := range modifiers {
		if mk, ok := keyLookup[strings.ToLower(m)]; ok {
			if err := kb.Press(mk); err != nil {
				return err
			}
			defer func() { _ = kb.Release(mk) }()
		}
	}
	return kb.Press(k)
}

func (p *rodPage) MouseMove(ctx context.Context, x, y float64) error {
	return p.page.Context(ctx).Mouse.MoveTo(proto.NewPoint(x, y))
}

func (p *rodPage) MouseClick(ctx context.Context, x, y float64, button string) error {
	page := p.page.Context(ctx)
	if err := page.Mouse.MoveTo(proto.NewPoint(x, y)); err != nil {
		return err
	}
	btn := proto.InputMouseButtonLeft
	switch strings.ToLower(button) {
	case "right":
		btn = proto.InputMouseButtonRight
	case "middle":
		btn = proto.InputMouseButtonMiddle
	}
	return page.Mouse.Click(btn, 1)
}

func (p *rodPage) Scroll(ctx context.Context, deltaX, deltaY float64) error {
	return p.page.Context(ctx).Mouse.Scroll(deltaX, deltaY, 1)
}

func (p *rodPage) Screenshot(ctx context.Context, fullPage bool, format string, quality int) ([]byte, error) {
	req := &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	}
	if strings.EqualFold(format, "jpeg") || strings.EqualFold(format, "jpg") {
		req.Format = proto.PageCaptureScreenshotFormatJpeg
		if quality > 0 && quality <= 100 {
			req.Quality = &quality
		}
	}
	return p.page.Context(ctx).Screenshot(fullPage, req)
}

func (p *rodPage) PDF(ctx context.Context) ([]byte, error) {
	stream, err := p.page.Context(ctx).PDF(&proto.PagePrintToPDF{})
	if err != nil {
		return nil, err
	}
	return io.ReadAll(stream)
}

func (p *rodPage) WaitSelector(ctx context.Context, selector string) error {
	// Element blocks until the selector matches or the context expires.
	_, err := p.page.Context(ctx).Element(selector)
	return err
}

func (p *rodPage) WaitNavigation(ctx context.Context) error {
	return p.page.Context(ctx).WaitLoad()
}

func (p *rodPage) WaitIdle(ctx context.Context, d time.Duration) error {
	return p.page.Context(ctx).WaitIdle(d)
}

func (p *rodPage) WaitFunction(ctx context.Context, js string) error {
	return p.page.Context(ctx).Wait(rod.Eval(js))
}

func (p *rodPage) Upload(ctx context.Context, selector string, files []string) error {
	el, err := p.page.Context(ctx).Element(selector)
	if err != nil {
		return err
	}
	return el.SetFiles(files)
}

func (p *rodPage) Cookies(ctx context.Context) ([]types.Cookie, error) {
	raw, err := p.page.Context(ctx).Cookies(nil)
	if err != nil {
		return nil, err
	}
	cookies := make([]types.Cookie, 0, len(raw))
	for _, c := range raw {
		cookies = append(cookies, types.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  float64(c.Expires),
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		})
	}
	return cookies, nil
}

func (p *rodPage) SetCookies(ctx context.Context, cookies []types.Cookie) error {
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		param := &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		if c.Expires > 0 {
			param.Expires = proto.TimeSinceEpoch(c.Expires)
		}
		params = append(params, param)
	}
	return p.page.Context(ctx).SetCookies(params)
}

func (p *rodPage) DeleteCookies(ctx context.Context, names []string) error {
	existing, err := p.Cookies(ctx)
	if err != nil {
		return err
	}
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}
	keep := existing[:0]
	for _, c := range existing {
		if !drop[c.Name] {
			keep = append(keep, c)
		}
	}
	if err := (proto.NetworkClearBrowserCookies{}).Call(p.page.Context(ctx)); err != nil {
		return err
	}
	if len(keep) == 0 {
		return nil
	}
	return p.SetCookies(ctx, keep)
}

func (p *rodPage) ClearData(ctx context.Context, opts ClearOptions) error {
	page := p.page.Context(ctx)
	if opts.Cookies {
		if err := (proto.NetworkClearBrowserCookies{}).Call(page); err != nil {
			return err
		}
	}
	if opts.Cache {
		if err := (proto.NetworkClearBrowserCache{}).Call(page); err != nil {
			return err
		}
	}
	if opts.LocalStorage {
		if _, err := page.Eval(`() => localStorage.clear()`); err != nil {
			return err
		}
	}
	if opts.SessionStorage {
		if _, err := page.Eval(`() => sessionStorage.clear()`); err != nil {
			return err
		}
	}
	return nil
}

func (p *rodPage) SetViewport(ctx context.Context, width, height int) error {
	return p.page.Context(ctx).SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             width,
		Height:            height,
		DeviceScaleFactor: 1,
	})
}

func (p *rodPage) Info(ctx context.Context) (PageInfo, error) {
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		return PageInfo{}, err
	}
	return PageInfo{URL: info.URL, Title: info.Title}, nil
}

func (p *rodPage) Close() error {
	return p.page.Close()
}
