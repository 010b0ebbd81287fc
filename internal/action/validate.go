// Package action implements the action pipeline: schema validation,
// dispatch to per-type handlers, retry classification with backoff, and
// the per-session execution history.
package action

import (
	"strings"

	"github.com/browsergrid/browsergrid/internal/config"
	"github.com/browsergrid/browsergrid/internal/policy"
	"github.com/browsergrid/browsergrid/internal/types"
)

// Validator checks actions against the per-type schema and the security
// policy before anything reaches a browser.
type Validator struct {
	cfg    *config.Config
	policy *policy.Manager

	// known reports whether a type tag has a registered handler; wired
	// to the dispatcher so third-party registrations validate too.
	known func(string) bool
}

func NewValidator(cfg *config.Config, pm *policy.Manager, known func(string) bool) *Validator {
	return &Validator{cfg: cfg, policy: pm, known: known}
}

// ValidateBatch rejects oversized batches before validating each entry.
func (v *Validator) ValidateBatch(actions []types.Action) error {
	if len(actions) == 0 {
		return types.E(types.KindValidation, "EMPTY_BATCH", "batch contains no actions")
	}
	if len(actions) > v.cfg.ActionMaxBatch {
		return types.Wrap(types.KindValidation, "BATCH_TOO_LARGE", types.ErrBatchTooLarge)
	}
	for i := range actions {
		if err := v.Validate(&actions[i]); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks one action. Violations come back as validation or
// security errors; both are terminal, never retried.
func (v *Validator) Validate(a *types.Action) error {
	if a.Type == "" {
		return types.E(types.KindValidation, "MISSING_TYPE", "action type is required")
	}
	if v.known != nil && !v.known(a.Type) {
		return types.Wrap(types.KindNotSupported, "UNSUPPORTED_ACTION", types.ErrUnsupportedAction)
	}
	if a.PageID == "" {
		return types.E(types.KindValidation, "MISSING_PAGE_ID", "pageId is required")
	}
	if a.Timeout < 0 {
		return types.E(types.KindValidation, "INVALID_TIMEOUT", "timeout must not be negative")
	}
	if a.Timeout > v.cfg.MaxTimeout.Milliseconds() {
		a.Timeout = v.cfg.MaxTimeout.Milliseconds()
	}

	pol := v.policy.Get()

	switch a.Type {
	case types.ActionNavigate:
		if a.URL == "" {
			return types.E(types.KindValidation, "MISSING_URL", "navigate requires a url")
		}
		if err := pol.CheckURL(a.URL); err != nil {
			return types.E(types.KindSecurityError, "URL_BLOCKED", "%s", err.Error())
		}

	case types.ActionClick:
		if a.Selector == "" {
			return types.E(types.KindValidation, "MISSING_SELECTOR", "click requires a selector")
		}

	case types.ActionType:
		if a.Selector == "" {
			return types.E(types.KindValidation, "MISSING_SELECTOR", "type requires a selector")
		}

	case types.ActionSelect:
		if a.Selector == "" || a.Value == "" {
			return types.E(types.KindValidation, "MISSING_FIELD", "select requires selector and value")
		}

	case types.ActionKeyboard:
		if a.Key == "" {
			return types.E(types.KindValidation, "MISSING_KEY", "keyboard requires a key")
		}

	case types.ActionMouse:
		if a.X < 0 || a.Y < 0 {
			return types.E(types.KindValidation, "INVALID_COORDINATES", "mouse coordinates must not be negative")
		}

	case types.ActionScreenshot:
		switch a.Format {
		case "", "png", "jpeg":
		default:
			return types.E(types.KindValidation, "INVALID_FORMAT", "screenshot format must be png or jpeg")
		}
		if a.Quality < 0 || a.Quality > 100 {
			return types.E(types.KindValidation, "INVALID_QUALITY", "screenshot quality must be 0-100")
		}

	case types.ActionPDF, types.ActionScroll,
		types.ActionGoBack, types.ActionGoForward, types.ActionRefresh:
		// No extra fields.

	case types.ActionWait:
		switch a.WaitFor {
		case "selector":
			if a.Selector == "" {
				return types.E(types.KindValidation, "MISSING_SELECTOR", "wait for selector requires a selector")
			}
		case "navigation":
		case "timeout":
			if a.WaitMS <= 0 {
				return types.E(types.KindValidation, "INVALID_WAIT", "wait for timeout requires positive waitMs")
			}
			if a.WaitMS > v.cfg.MaxTimeout.Milliseconds() {
				return types.E(types.KindValidation, "INVALID_WAIT", "waitMs exceeds the maximum timeout")
			}
		case "function":
			if a.Function == "" {
				return types.E(types.KindValidation, "MISSING_FUNCTION", "wait for function requires a function")
			}
			if err := v.checkScript(pol, a.Function); err != nil {
				return err
			}
		default:
			return types.E(types.KindValidation, "INVALID_WAIT", "waitFor must be selector, navigation, timeout, or function")
		}

	case types.ActionEvaluate:
		src := a.Function
		if src == "" {
			src = a.Script
		}
		if src == "" {
			return types.E(types.KindValidation, "MISSING_SCRIPT", "evaluate requires a function or script")
		}
		if err := v.checkScript(pol, src); err != nil {
			return err
		}

	case types.ActionInjectScript:
		if a.URL == "" && a.Script == "" {
			return types.E(types.KindValidation, "MISSING_SCRIPT", "injectScript requires a url or script")
		}
		if a.URL != "" {
			if err := pol.CheckURL(a.URL); err != nil {
				return types.E(types.KindSecurityError, "URL_BLOCKED", "%s", err.Error())
			}
		}
		if a.Script != "" {
			if err := v.checkScript(pol, a.Script); err != nil {
				return err
			}
		}

	case types.ActionInjectCSS:
		if a.CSS == "" {
			return types.E(types.KindValidation, "MISSING_CSS", "injectCSS requires css")
		}
		if len(a.CSS) > v.cfg.CSSMaxBytes {
			return types.E(types.KindValidation, "CSS_TOO_LARGE", "stylesheet exceeds %d bytes", v.cfg.CSSMaxBytes)
		}
		if err := pol.CheckCSS(a.CSS); err != nil {
			return types.E(types.KindSecurityError, "CSS_BLOCKED", "%s", err.Error())
		}

	case types.ActionUpload:
		if a.Selector == "" || len(a.Files) == 0 {
			return types.E(types.KindValidation, "MISSING_FIELD", "upload requires selector and files")
		}
		for _, f := range a.Files {
			if err := pol.CheckUpload(f); err != nil {
				return types.E(types.KindSecurityError, "UPLOAD_BLOCKED", "%s", err.Error())
			}
		}

	case types.ActionCookie:
		switch a.CookieOp {
		case "get", "clear":
		case "set":
			if len(a.Cookies) == 0 {
				return types.E(types.KindValidation, "MISSING_COOKIES", "cookie set requires cookies")
			}
		case "delete":
			if len(a.Names) == 0 {
				return types.E(types.KindValidation, "MISSING_NAMES", "cookie delete requires names")
			}
		default:
			return types.E(types.KindValidation, "INVALID_COOKIE_OP", "cookieOp must be set, get, delete, or clear")
		}

	case types.ActionSetViewport:
		if a.Width < 1 || a.Width > 10000 || a.Height < 1 || a.Height > 10000 {
			return types.E(types.KindValidation, "INVALID_VIEWPORT", "viewport dimensions must be 1-10000")
		}

	default:
		// A registered third-party type: generic checks only, its
		// handler owns the rest.
	}

	return nil
}

func (v *Validator) checkScript(pol *policy.Policy, src string) error {
	if len(src) > v.cfg.ScriptMaxBytes {
		return types.E(types.KindValidation, "SCRIPT_TOO_LARGE", "script exceeds %d bytes", v.cfg.ScriptMaxBytes)
	}
	if strings.Count(src, "{") != strings.Count(src, "}") {
		return types.E(types.KindValidation, "UNBALANCED_BRACES", "script has unbalanced braces")
	}
	if err := pol.CheckScript(src); err != nil {
		return types.E(types.KindValidation, "XSS_PATTERN_DETECTED", "%s", err.Error())
	}
	return nil
}

// Advisories returns non-blocking warnings for the action's script
// source, surfaced to the caller in the result metadata.
func (v *Validator) Advisories(a *types.Action) []string {
	var src string
	switch a.Type {
	case types.ActionEvaluate:
		src = a.Function
		if src == "" {
			src = a.Script
		}
	case types.ActionInjectScript:
		src = a.Script
	case types.ActionWait:
		if a.WaitFor == "function" {
			src = a.Function
		}
	}
	if src == "" {
		return nil
	}
	return v.policy.Get().Advisories(src)
}
