// Package reqctx carries one intercepted request through the resolution
// path: classification, strategy execution and response write-back.
package reqctx

import (
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/bahalabs/offgate/pkg/snapshot"
	"github.com/bahalabs/offgate/pkg/store"
)

// RequestMeta represents some metadata about the request.
type RequestMeta struct {
	clientAddr netip.Addr
	protocol   string
}

func NewRequestMeta(addr netip.Addr) *RequestMeta {
	meta := new(RequestMeta)
	meta.SetClientAddr(addr)
	return meta
}

func (m *RequestMeta) SetClientAddr(addr netip.Addr) {
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	m.clientAddr = addr
}

func (m *RequestMeta) SetProtocol(protocol string) {
	m.protocol = protocol
}

func (m *RequestMeta) GetClientAddr() netip.Addr {
	return m.clientAddr
}

func (m *RequestMeta) GetProtocol() string {
	return m.protocol
}

// Context is a request context that passes through the gateway.
type Context struct {
	startTime  time.Time
	id         uint32
	method     string
	url        *url.URL
	header     http.Header
	navigation bool
	reqMeta    *RequestMeta

	resp     *snapshot.Snapshot
	servedBy string
}

var (
	contextUid      uint32
	zeroRequestMeta = &RequestMeta{}
)

// Response source labels.
const (
	ServedByNetwork     = "network"
	ServedByCache       = "cache"
	ServedByOfflinePage = "offline_page"
	ServedBySynthesized = "synthesized"
)

// NewContext creates a new request Context.
func NewContext(method string, u *url.URL, header http.Header, navigation bool, meta *RequestMeta) *Context {
	if u == nil {
		panic("reqctx: url is nil")
	}
	if meta == nil {
		meta = zeroRequestMeta
	}
	return &Context{
		startTime:  time.Now(),
		id:         atomic.AddUint32(&contextUid, 1),
		method:     method,
		url:        u,
		header:     header,
		navigation: navigation,
		reqMeta:    meta,
	}
}

// FromRequest builds a Context from an incoming http request.
// Navigation detection follows the Sec-Fetch-Mode fetch metadata header.
func FromRequest(req *http.Request) *Context {
	meta := new(RequestMeta)
	if ap, err := netip.ParseAddrPort(req.RemoteAddr); err == nil {
		meta.SetClientAddr(ap.Addr())
	}
	meta.SetProtocol(req.Proto)
	navigation := req.Header.Get("Sec-Fetch-Mode") == "navigate"
	return NewContext(req.Method, req.URL, req.Header, navigation, meta)
}

func (ctx *Context) String() string {
	return fmt.Sprintf("%s %s %d", ctx.method, ctx.url.RequestURI(), ctx.id)
}

func (ctx *Context) Method() string { return ctx.method }

func (ctx *Context) URL() *url.URL { return ctx.url }

func (ctx *Context) Header() http.Header { return ctx.header }

// Navigation reports whether the request is a full-page navigation.
func (ctx *Context) Navigation() bool { return ctx.navigation }

func (ctx *Context) ReqMeta() *RequestMeta { return ctx.reqMeta }

func (ctx *Context) StartTime() time.Time { return ctx.startTime }

// Key returns the canonical request identity for store lookups.
func (ctx *Context) Key() string {
	return store.Key(ctx.method, ctx.url.RequestURI())
}

// R returns the response snapshot, nil if unresolved.
func (ctx *Context) R() *snapshot.Snapshot { return ctx.resp }

// ServedBy returns the source label of the response.
func (ctx *Context) ServedBy() string { return ctx.servedBy }

// SetResponse stores the response snapshot and its source label.
func (ctx *Context) SetResponse(s *snapshot.Snapshot, servedBy string) {
	if s == nil {
		return
	}
	ctx.resp = s
	ctx.servedBy = servedBy
}

// InfoField returns a zap short summary field of the request.
func (ctx *Context) InfoField() zap.Field {
	return zap.Stringer("request", ctx)
}
