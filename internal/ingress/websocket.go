package ingress

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/gluk-w/workshop-gateway/internal/logutil"
	log "github.com/sirupsen/logrus"
)

const (
	dialTimeout    = 10 * time.Second
	relayReadLimit = 4 * 1024 * 1024
)

// Request headers that belong to the client hop or are produced by the
// WebSocket dialer itself.
var skipUpstreamHeaders = map[string]bool{
	"Connection":               true,
	"Upgrade":                  true,
	"Host":                     true,
	"Keep-Alive":               true,
	"Proxy-Connection":         true,
	"Proxy-Authorization":      true,
	"Te":                       true,
	"Trailer":                  true,
	"Transfer-Encoding":        true,
	"Sec-Websocket-Key":        true,
	"Sec-Websocket-Version":    true,
	"Sec-Websocket-Extensions": true,
	"Sec-Websocket-Protocol":   true,
	"Sec-Websocket-Accept":     true,
}

// proxyWebSocket dials the backend before accepting the client so a backend
// that is down leaves the client's upgrade uncompleted.
func (rt *Router) proxyWebSocket(w http.ResponseWriter, r *http.Request, ing *Ingress) {
	target := ing.Target()
	scheme := "ws"
	if target.Scheme == "https" {
		scheme = "wss"
	}
	path, rawPath, _ := rewritePath(ing, r.URL)
	upstreamURL := url.URL{
		Scheme:   scheme,
		Host:     target.Host,
		Path:     path,
		RawPath:  rawPath,
		RawQuery: r.URL.RawQuery,
	}

	subprotocols := requestedSubprotocols(r)

	dialCtx, cancel := context.WithTimeout(r.Context(), dialTimeout)
	defer cancel()

	upstreamConn, _, err := websocket.Dial(dialCtx, upstreamURL.String(), &websocket.DialOptions{
		HTTPClient: &http.Client{
			Transport: &hostOverride{host: outboundHost(ing, r.Host), base: rt.transportFor(ing)},
		},
		HTTPHeader:   rt.upstreamHeader(r, ing),
		Subprotocols: subprotocols,
	})
	if err != nil {
		rt.opts.Metrics.IngressError(ing.Name, "websocket")
		log.Warnf("[ingress] %s: websocket dial %s: %v", ing.Name, logutil.SanitizeForLog(upstreamURL.Path), err)
		abandon(w)
		return
	}
	defer upstreamConn.CloseNow()

	normalizeResponseHeaders(w.Header())
	acceptOpts := &websocket.AcceptOptions{InsecureSkipVerify: true}
	if sp := upstreamConn.Subprotocol(); sp != "" {
		acceptOpts.Subprotocols = []string{sp}
	}
	clientConn, err := websocket.Accept(w, r, acceptOpts)
	if err != nil {
		log.Printf("[ingress] %s: websocket accept: %v", ing.Name, err)
		upstreamConn.Close(websocket.StatusGoingAway, "client upgrade failed")
		return
	}
	defer clientConn.CloseNow()
	rt.opts.Metrics.IngressWebSocket(ing.Name)

	clientConn.SetReadLimit(relayReadLimit)
	upstreamConn.SetReadLimit(relayReadLimit)

	relayCtx, relayCancel := context.WithCancel(r.Context())
	defer relayCancel()

	go func() {
		defer relayCancel()
		relay(relayCtx, upstreamConn, clientConn)
	}()
	relay(relayCtx, clientConn, upstreamConn)
	relayCancel()

	clientConn.Close(websocket.StatusNormalClosure, "")
	upstreamConn.Close(websocket.StatusNormalClosure, "")
}

// relay copies messages from src to dst until either side fails.
func relay(ctx context.Context, dst, src *websocket.Conn) {
	for {
		msgType, data, err := src.Read(ctx)
		if err != nil {
			return
		}
		if err := dst.Write(ctx, msgType, data); err != nil {
			return
		}
	}
}

func requestedSubprotocols(r *http.Request) []string {
	var out []string
	for _, v := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// upstreamHeader builds the backend handshake headers: the client's
// end-to-end headers, forwarding information and the ingress's extra
// headers.
func (rt *Router) upstreamHeader(r *http.Request, ing *Ingress) http.Header {
	h := make(http.Header, len(r.Header)+4)
	for k, vv := range r.Header {
		if skipUpstreamHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		h[k] = append([]string(nil), vv...)
	}
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		h.Set("X-Forwarded-For", ip)
	}
	h.Set("X-Forwarded-Host", r.Host)
	if r.TLS != nil {
		h.Set("X-Forwarded-Proto", "https")
	} else {
		h.Set("X-Forwarded-Proto", "http")
	}
	for _, eh := range ing.Headers {
		h.Set(eh.Name, rt.expandHeader(eh.Value))
	}
	return h
}

// abandon drops the client connection without completing the upgrade.
func abandon(w http.ResponseWriter) {
	conn, _, err := http.NewResponseController(w).Hijack()
	if err != nil {
		return
	}
	conn.Close()
}

// hostOverride sets the Host header of the handshake request, which
// http.Header cannot carry.
type hostOverride struct {
	host string
	base http.RoundTripper
}

func (t *hostOverride) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.host != "" {
		req = req.Clone(req.Context())
		req.Host = t.host
	}
	return t.base.RoundTrip(req)
}
