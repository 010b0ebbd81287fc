package action

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/browsergrid/browsergrid/internal/driver"
	"github.com/browsergrid/browsergrid/internal/types"
)

// registerBuiltins installs the canonical handler set. Handlers stay
// thin: translate the action's fields into driver calls and shape the
// data payload; policy and schema were enforced upstream.
func registerBuiltins(d *Dispatcher) {
	d.Register(types.ActionNavigate, handleNavigate)
	d.Register(types.ActionClick, handleClick)
	d.Register(types.ActionType, handleType)
	d.Register(types.ActionSelect, handleSelect)
	d.Register(types.ActionKeyboard, handleKeyboard)
	d.Register(types.ActionMouse, handleMouse)
	d.Register(types.ActionScreenshot, handleScreenshot)
	d.Register(types.ActionPDF, handlePDF)
	d.Register(types.ActionWait, handleWait)
	d.Register(types.ActionScroll, handleScroll)
	d.Register(types.ActionEvaluate, handleEvaluate)
	d.Register(types.ActionInjectScript, handleInjectScript)
	d.Register(types.ActionInjectCSS, handleInjectCSS)
	d.Register(types.ActionUpload, handleUpload)
	d.Register(types.ActionCookie, handleCookie)
	d.Register(types.ActionGoBack, handleGoBack)
	d.Register(types.ActionGoForward, handleGoForward)
	d.Register(types.ActionRefresh, handleRefresh)
	d.Register(types.ActionSetViewport, handleSetViewport)
}

func pageData(ctx context.Context, dp driver.Page) map[string]any {
	info, err := dp.Info(ctx)
	if err != nil {
		return nil
	}
	return map[string]any{"url": info.URL, "title": info.Title}
}

func handleNavigate(ctx context.Context, dp driver.Page, a *types.Action) (any, error) {
	if err := dp.Navigate(ctx, a.URL); err != nil {
		return nil, err
	}
	return pageData(ctx, dp), nil
}

func handleClick(ctx context.Context, dp driver.Page, a *types.Action) (any, error) {
	return nil, dp.Click(ctx, a.Selector)
}

func handleType(ctx context.Context, dp driver.Page, a *types.Action) (any, error) {
	return nil, dp.Type(ctx, a.Selector, a.Text)
}

func handleSelect(ctx context.Context, dp driver.Page, a *types.Action) (any, error) {
	return nil, dp.SelectOption(ctx, a.Selector, a.Value)
}

func handleKeyboard(ctx context.Context, dp driver.Page, a *types.Action) (any, error) {
	return nil, dp.Press(ctx, a.Key, a.Modifiers)
}

func handleMouse(ctx context.Context, dp driver.Page, a *types.Action) (any, error) {
	if a.Button == "" {
		return nil, dp.MouseMove(ctx, a.X, a.Y)
	}
	return nil, dp.MouseClick(ctx, a.X, a.Y, a.Button)
}

func handleScreenshot(ctx context.Context, dp driver.Page, a *types.Action) (any, error) {
	format := a.Format
	if format == "" {
		format = "png"
	}
	data, err := dp.Screenshot(ctx, a.FullPage, format, a.Quality)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"format": format,
		"data":   base64.StdEncoding.EncodeToString(data),
	}, nil
}

func handlePDF(ctx context.Context, dp driver.Page, a *types.Action) (any, error) {
	data, err := dp.PDF(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"data": base64.StdEncoding.EncodeToString(data)}, nil
}

func handleWait(ctx context.Context, dp driver.Page, a *types.Action) (any, error) {
	switch a.WaitFor {
	case "selector":
		return nil, dp.WaitSelector(ctx, a.Selector)
	case "navigation":
		return nil, dp.WaitNavigation(ctx)
	case "function":
		return nil, dp.WaitFunction(ctx, a.Function)
	default: // "timeout", enforced by the validator
		select {
		case <-time.After(time.Duration(a.WaitMS) * time.Millisecond):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func handleScroll(ctx context.Context, dp driver.Page, a *types.Action) (any, error) {
	return nil, dp.Scroll(ctx, a.DeltaX, a.DeltaY)
}

func handleEvaluate(ctx context.Context, dp driver.Page, a *types.Action) (any, error) {
	src := a.Function
	if src == "" {
		src = a.Script
	}
	result, err := dp.Eval(ctx, src)
	if err != nil {
		return nil, err
	}
	return map[string]any{"result": result}, nil
}

func handleInjectScript(ctx context.Context, dp driver.Page, a *types.Action) (any, error) {
	return nil, dp.AddScript(ctx, a.URL, a.Script)
}

func handleInjectCSS(ctx context.Context, dp driver.Page, a *types.Action) (any, error) {
	return nil, dp.AddStyle(ctx, a.CSS)
}

func handleUpload(ctx context.Context, dp driver.Page, a *types.Action) (any, error) {
	return nil, dp.Upload(ctx, a.Selector, a.Files)
}

func handleCookie(ctx context.Context, dp driver.Page, a *types.Action) (any, error) {
	switch a.CookieOp {
	case "get":
		cookies, err := dp.Cookies(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"cookies": cookies}, nil
	case "set":
		return nil, dp.SetCookies(ctx, a.Cookies)
	case "delete":
		return nil, dp.DeleteCookies(ctx, a.Names)
	default: // "clear"
		return nil, dp.ClearData(ctx, driver.ClearOptions{Cookies: true})
	}
}

func handleGoBack(ctx context.Context, dp driver.Page, a *types.Action) (any, error) {
	if err := dp.Back(ctx); err != nil {
		return nil, err
	}
	return pageData(ctx, dp), nil
}

func handleGoForward(ctx context.Context, dp driver.Page, a *types.Action) (any, error) {
	if err := dp.Forward(ctx); err != nil {
		return nil, err
	}
	return pageData(ctx, dp), nil
}

func handleRefresh(ctx context.Context, dp driver.Page, a *types.Action) (any, error) {
	if err := dp.Reload(ctx); err != nil {
		return nil, err
	}
	return pageData(ctx, dp), nil
}

func handleSetViewport(ctx context.Context, dp driver.Page, a *types.Action) (any, error) {
	return nil, dp.SetViewport(ctx, a.Width, a.Height)
}
