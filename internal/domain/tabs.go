package domain

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Internal container ports the environment template exposes. The template and
// the deriver share these as a fixed contract.
const (
	InternalLogPort    = 30081
	InternalEditorPort = 30082
	InternalProxyPort  = 30083
)

// Endpoint describes how generated URLs reach this node.
type Endpoint struct {
	Scheme   string // "http"
	HostName string // externally reachable host name
}

func (e Endpoint) scheme() string {
	if e.Scheme == "" {
		return "http"
	}
	return e.Scheme
}

// BuildDetails turns the live stack's published ports, the repository compose
// file and the optional manifest into deployment details.
//
// published maps "<containerPort>/<proto>" to the host port it is bound to.
func BuildDetails(repo string, published map[string]string, compose ComposeFile, manifest DeploymentManifest, ep Endpoint) *Details {
	d := &Details{Repo: repo}

	for key, hostPortStr := range published {
		portStr := key
		if i := strings.IndexByte(key, '/'); i >= 0 {
			portStr = key[:i]
		}
		hostPort, err := strconv.Atoi(hostPortStr)
		if err != nil {
			continue
		}
		switch portStr {
		case strconv.Itoa(InternalLogPort):
			d.LogPort = hostPort
			d.LogURL = fmt.Sprintf("%s://%s:%d", ep.scheme(), ep.HostName, hostPort)
		case strconv.Itoa(InternalEditorPort):
			d.EditorPort = hostPort
			d.EditorURL = editorURL(fmt.Sprintf("%s://%s:%d", ep.scheme(), ep.HostName, hostPort), manifest.Editor)
			if manifest.Editor.Hide {
				d.EditorPort = 0
			}
		case strconv.Itoa(InternalProxyPort):
			d.ProxyPort = hostPort
		}
	}

	d.Tabs = DeriveTabs(compose, manifest)
	for i := range d.Tabs {
		d.Tabs[i].URL = TabURL(ep, d.Tabs[i], d.ProxyPort)
	}
	return d
}

func editorURL(base string, editor EditorSection) string {
	if editor.Hide {
		return ""
	}
	if editor.SrcDir == "" {
		return base
	}
	return base + "?src=" + escapeQueryPath(editor.SrcDir)
}

// escapeQueryPath escapes p for use as a query value, keeping the slashes
// readable. Spaces become %20.
func escapeQueryPath(p string) string {
	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
	}
	return strings.Join(segments, "/")
}

// DeriveTabs builds the ordered tab list, one default tab per distinct compose
// port, filtered and relabeled by the manifest's proxy rules. URLs are left empty.
func DeriveTabs(compose ComposeFile, manifest DeploymentManifest) []ProxyTab {
	tabs := make([]ProxyTab, 0)
	for _, port := range compose.Ports() {
		tab := ProxyTab{Port: port, Name: strconv.Itoa(port)}
		var extra []ProxyTab
		hidden := false

		for _, rule := range manifest.Proxy.Ports {
			if int(rule.Port) != port {
				continue
			}
			if rule.Hide {
				hidden = true
				break
			}
			if len(rule.Tabs) == 0 {
				applyOverride(&tab, rule.Name, rule.Path)
				continue
			}
			for i, sub := range rule.Tabs {
				if i == 0 {
					applyOverride(&tab, sub.Name, rule.Path)
					continue
				}
				t := ProxyTab{Port: port, Name: strconv.Itoa(port)}
				applyOverride(&t, sub.Name, rule.Path)
				extra = append(extra, t)
			}
		}

		if hidden {
			continue
		}
		tabs = append(tabs, tab)
		tabs = append(tabs, extra...)
	}
	return tabs
}

func applyOverride(tab *ProxyTab, name, path *string) {
	if name != nil {
		tab.Name = *name
	}
	if path != nil {
		tab.Path = *path
	}
}

// TabURL encodes the tab port into the host name so a wildcard reverse proxy can
// route it: scheme://<port>.<host>:<proxyPort><path>. Without a resolved proxy
// port no URL can be built.
func TabURL(ep Endpoint, tab ProxyTab, proxyPort int) string {
	if proxyPort <= 0 {
		return ""
	}
	return fmt.Sprintf("%s://%d.%s:%d%s", ep.scheme(), tab.Port, ep.HostName, proxyPort, tab.Path)
}
