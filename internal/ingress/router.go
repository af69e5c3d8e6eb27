// Package ingress routes requests for "<name>-<session>.<domain>" hosts to
// the backend applications of a workshop session.
package ingress

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/gluk-w/workshop-gateway/internal/logutil"
	"github.com/gluk-w/workshop-gateway/internal/metrics"
	log "github.com/sirupsen/logrus"
)

// Options configures a Router mount.
type Options struct {
	// Mode selects which ingresses this router serves. The gateway mounts
	// one router for AuthNone ahead of access control and one for
	// AuthSession behind it.
	Mode AuthenticationType
	// SessionNamespace and IngressDomain form the expected hostnames.
	SessionNamespace string
	IngressDomain    string
	// Token replaces TokenPlaceholder in injected header values.
	Token   string
	Metrics *metrics.Metrics
}

// Router proxies requests whose host matches an ingress and passes all
// other requests on.
type Router struct {
	table *Table
	opts  Options

	secure   *http.Transport
	insecure *http.Transport
}

func NewRouter(table *Table, opts Options) *Router {
	if opts.Mode == "" {
		opts.Mode = AuthNone
	}
	secure := http.DefaultTransport.(*http.Transport).Clone()
	insecure := http.DefaultTransport.(*http.Transport).Clone()
	insecure.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	return &Router{
		table:    table,
		opts:     opts,
		secure:   secure,
		insecure: insecure,
	}
}

// Match returns the first ingress in table order that accepts r.
func (rt *Router) Match(r *http.Request) (*Ingress, bool) {
	host := requestHostname(r)
	if host == "" {
		return nil, false
	}
	ingresses := rt.table.Load().Ingresses()
	for i := range ingresses {
		ing := &ingresses[i]
		if ing.AuthType() != rt.opts.Mode {
			continue
		}
		if !rt.hostMatches(ing.Name, host) {
			continue
		}
		if !pathMatches(ing.Path, r.URL.Path) {
			continue
		}
		return ing, true
	}
	return nil, false
}

func (rt *Router) hostMatches(name, host string) bool {
	suffix := "." + rt.opts.IngressDomain
	if !strings.HasSuffix(host, strings.ToLower(suffix)) {
		return false
	}
	label := strings.TrimSuffix(host, strings.ToLower(suffix))
	ns := rt.opts.SessionNamespace
	// "<session>-<name>" is the deprecated form, still accepted.
	return strings.EqualFold(label, name+"-"+ns) || strings.EqualFold(label, ns+"-"+name)
}

func pathMatches(prefix, path string) bool {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// requestHostname returns the lower-cased Host without port.
func requestHostname(r *http.Request) string {
	host := r.Host
	if host == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(strings.TrimSuffix(host, "."))
}

// Middleware proxies matching requests and hands everything else to next.
func (rt *Router) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ing, ok := rt.Match(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		if isWebSocketUpgrade(r) {
			rt.proxyWebSocket(w, r, ing)
			return
		}
		rt.proxyHTTP(w, r, ing)
	})
}

func isWebSocketUpgrade(r *http.Request) bool {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return false
	}
	for _, v := range r.Header.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}

func (rt *Router) proxyHTTP(w http.ResponseWriter, r *http.Request, ing *Ingress) {
	target := ing.Target()
	originalHost := r.Host

	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			if path, rawPath, ok := rewritePath(ing, pr.In.URL); ok {
				pr.Out.URL.Path, pr.Out.URL.RawPath = path, rawPath
			}
			pr.SetXForwarded()
			pr.Out.Host = outboundHost(ing, originalHost)
			for _, h := range ing.Headers {
				pr.Out.Header.Set(h.Name, rt.expandHeader(h.Value))
			}
		},
		Transport: rt.transportFor(ing),
		ModifyResponse: func(resp *http.Response) error {
			normalizeResponseHeaders(resp.Header)
			rt.opts.Metrics.IngressResponse(ing.Name, resp.StatusCode)
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			rt.opts.Metrics.IngressError(ing.Name, "http")
			if errors.Is(err, context.Canceled) {
				log.Debugf("[ingress] %s: client went away: %v", ing.Name, err)
			} else {
				log.Warnf("[ingress] %s: proxy %s %s: %v", ing.Name, r.Method, logutil.SanitizeForLog(r.URL.Path), err)
			}
			writeProxyErrorPage(w)
		},
	}
	rp.ServeHTTP(w, r)
}

// rewritePath applies the ingress rewrite rules to the escaped form of the
// request path so percent-encoded characters such as %2F reach the backend
// unchanged. ok is false when no rule changed the path.
func rewritePath(ing *Ingress, u *url.URL) (path, rawPath string, ok bool) {
	escaped := u.EscapedPath()
	rewritten := ing.PathRewrite.Apply(escaped)
	if rewritten == escaped {
		return u.Path, u.RawPath, false
	}
	path, err := url.PathUnescape(rewritten)
	if err != nil {
		return u.Path, u.RawPath, false
	}
	return path, rewritten, true
}

// outboundHost chooses the Host header sent upstream. Local backends see
// the client's original host; remote ones see the dialed host when the
// ingress changes origin. An empty result means the dialed host.
func outboundHost(ing *Ingress, originalHost string) string {
	if ing.Target().Hostname() == "localhost" {
		return originalHost
	}
	if ing.ChangesOrigin() {
		return ""
	}
	return originalHost
}

func (rt *Router) expandHeader(value string) string {
	return strings.ReplaceAll(value, TokenPlaceholder, rt.opts.Token)
}

func (rt *Router) transportFor(ing *Ingress) *http.Transport {
	if ing.VerifyTLS() {
		return rt.secure
	}
	return rt.insecure
}

// allowedMethods is advertised on every proxied response.
const allowedMethods = "GET, PUT, POST, DELETE, PATCH, OPTIONS"

// normalizeResponseHeaders lets workshop apps be framed by the dashboard
// and called cross-origin.
func normalizeResponseHeaders(h http.Header) {
	h.Del("X-Frame-Options")
	h.Del("Content-Security-Policy")
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", allowedMethods)
	h.Set("Access-Control-Allow-Headers", "Content-Type")
}

const proxyErrorPage = `<!DOCTYPE html>
<html>
<head><title>Service Unavailable</title></head>
<body>
<h1>Service Unavailable</h1>
<p>The application you are trying to reach is not available yet. It may still be starting up, try reloading the page shortly.</p>
</body>
</html>
`

func writeProxyErrorPage(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte(proxyErrorPage))
}
