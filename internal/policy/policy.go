// Package policy holds the action validation policy: deny-listed
// script and stylesheet patterns, allowed navigation schemes, and the
// file upload rules. Policy ships with compiled-in defaults and can be
// overridden from a YAML file with hot reload.
package policy

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// cssDataImport matches @import of a data: URL, a vector for smuggling
// script through a stylesheet.
var cssDataImport = regexp.MustCompile(`(?i)@import\s+url\(\s*["']?\s*data:`)

// Policy is the active rule set. Instances are immutable once loaded;
// the manager swaps whole policies atomically.
type Policy struct {
	// ScriptDeny lists substrings that reject a script or evaluated
	// expression outright. Matching is case-sensitive on purpose: the
	// APIs these patterns guard are case-sensitive too.
	ScriptDeny []string `yaml:"script_deny"`

	// CSSDeny lists substrings rejected in injected stylesheets.
	CSSDeny []string `yaml:"css_deny"`

	// AllowedSchemes are the URL schemes navigation may target.
	AllowedSchemes []string `yaml:"allowed_schemes"`

	// UploadDenyExtensions rejects file uploads by extension.
	UploadDenyExtensions []string `yaml:"upload_deny_extensions"`

	// ScriptAdvisories lists keywords that are allowed but worth
	// flagging to the caller as warnings.
	ScriptAdvisories []string `yaml:"script_advisories"`
}

// defaultPolicy is the compiled-in rule set.
func defaultPolicy() *Policy {
	return &Policy{
		ScriptDeny: []string{
			"eval(",
			"new Function",
			"setTimeout(",
			"setInterval(",
			"require(",
			"process.",
			"global.",
			"child_process",
			"import(",
			"importScripts(",
			"location.href =",
			"location.href=",
			"location.replace(",
			"location.assign(",
			"window.location =",
			"window.location=",
			"document.location =",
			"document.location=",
			"XMLHttpRequest",
			"fetch(",
			"constructor.constructor",
			"__proto__",
		},
		CSSDeny: []string{
			"javascript:",
			"expression(",
			"behavior:",
			"-moz-binding",
		},
		AllowedSchemes: []string{"http", "https", "about"},
		UploadDenyExtensions: []string{
			".exe", ".dll", ".so", ".sh", ".bat", ".cmd",
		},
		ScriptAdvisories: []string{
			"localStorage",
			"sessionStorage",
			"document.cookie",
			"WebSocket",
			"window.opener",
		},
	}
}

// CheckScript rejects scripts containing a deny-listed pattern.
func (p *Policy) CheckScript(source string) error {
	for _, pat := range p.ScriptDeny {
		if strings.Contains(source, pat) {
			return fmt.Errorf("script contains forbidden pattern %q", pat)
		}
	}
	return nil
}

// Advisories returns the advisory keywords present in the script.
// These do not block execution; callers surface them as warnings.
func (p *Policy) Advisories(source string) []string {
	var found []string
	for _, kw := range p.ScriptAdvisories {
		if strings.Contains(source, kw) {
			found = append(found, kw)
		}
	}
	return found
}

// CheckCSS rejects stylesheets containing a deny-listed pattern.
func (p *Policy) CheckCSS(css string) error {
	lowered := strings.ToLower(css)
	for _, pat := range p.CSSDeny {
		if strings.Contains(lowered, strings.ToLower(pat)) {
			return fmt.Errorf("stylesheet contains forbidden pattern %q", pat)
		}
	}
	if cssDataImport.MatchString(css) {
		return fmt.Errorf("stylesheet imports a data: url")
	}
	return nil
}

// CheckURL rejects navigation targets outside the allowed schemes.
func (p *Policy) CheckURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		return fmt.Errorf("url %q has no scheme", raw)
	}
	for _, allowed := range p.AllowedSchemes {
		if scheme == allowed {
			return nil
		}
	}
	return fmt.Errorf("scheme %q is not allowed", scheme)
}

// CheckUpload rejects files with deny-listed extensions.
func (p *Policy) CheckUpload(path string) error {
	lowered := strings.ToLower(path)
	for _, ext := range p.UploadDenyExtensions {
		if strings.HasSuffix(lowered, ext) {
			return fmt.Errorf("file extension %q is not allowed", ext)
		}
	}
	return nil
}

// validate rejects rule sets that would disable the guards entirely.
func (p *Policy) validate() error {
	if len(p.ScriptDeny) == 0 && len(p.AllowedSchemes) == 0 {
		return fmt.Errorf("policy must set script_deny or allowed_schemes")
	}
	return nil
}

// merge overlays the external policy on the embedded defaults; empty
// external fields fall back to the defaults.
func merge(external, embedded *Policy) *Policy {
	merged := &Policy{}
	if len(external.ScriptDeny) > 0 {
		merged.ScriptDeny = external.ScriptDeny
	} else {
		merged.ScriptDeny = embedded.ScriptDeny
	}
	if len(external.CSSDeny) > 0 {
		merged.CSSDeny = external.CSSDeny
	} else {
		merged.CSSDeny = embedded.CSSDeny
	}
	if len(external.AllowedSchemes) > 0 {
		merged.AllowedSchemes = external.AllowedSchemes
	} else {
		merged.AllowedSchemes = embedded.AllowedSchemes
	}
	if len(external.UploadDenyExtensions) > 0 {
		merged.UploadDenyExtensions = external.UploadDenyExtensions
	} else {
		merged.UploadDenyExtensions = embedded.UploadDenyExtensions
	}
	if len(external.ScriptAdvisories) > 0 {
		merged.ScriptAdvisories = external.ScriptAdvisories
	} else {
		merged.ScriptAdvisories = embedded.ScriptAdvisories
	}
	return merged
}
