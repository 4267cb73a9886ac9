package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/blackhillsinfosec/cryptproxy/alist"
	"github.com/blackhillsinfosec/cryptproxy/config"
	"github.com/blackhillsinfosec/cryptproxy/errs"
	"github.com/blackhillsinfosec/cryptproxy/log"
	"github.com/blackhillsinfosec/cryptproxy/proxy"
	mw "github.com/blackhillsinfosec/cryptproxy/server/middleware"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// webdavMethods are forwarded verbatim below the WebDAV mount.
var webdavMethods = []string{
	http.MethodOptions, http.MethodPut, http.MethodDelete, http.MethodPost,
	"MKCOL", "COPY", "MOVE", "LOCK", "UNLOCK", "PROPPATCH",
}

// ProxyServer is the client facing listener. It decrypts protected
// downloads, translates names and passes everything else through to
// the backend.
type ProxyServer struct {
	Config  *config.ProxyServerOptions
	Cache   *config.CacheOptions
	Service *proxy.Service
	// Kill is a channel used to tell ProxyServer that it
	// should die.
	Kill chan uint8
}

// Engine builds the gin engine serving the proxy routes.
func (ps *ProxyServer) Engine() (*gin.Engine, error) {
	backend, err := url.Parse(ps.Service.BackendURL)
	if err != nil {
		return nil, err
	}

	eng := gin.New()
	if err = eng.SetTrustedProxies(nil); err != nil {
		log.ERR.Printf("Failed set trusted proxies on proxy server: %v", err)
		return nil, err
	}
	eng.RedirectTrailingSlash = false
	eng.RedirectFixedPath = false

	//==========================
	// MIDDLEWARE CONFIGURATIONS
	//==========================

	eng.Use(
		mw.RequestId(),
		mw.RequestLog(),
		mw.Envelope(ps.Config.Dev()),
		mw.Recovery())

	if len(ps.Config.AddtlCorsUrls) > 0 {
		eng.Use(cors.New(cors.Config{
			AllowWildcard:    true,
			AllowOrigins:     ps.Config.AddtlCorsUrls,
			AllowMethods:     []string{"GET", "HEAD", "POST", "PUT", "DELETE", "OPTIONS", "PROPFIND"},
			AllowHeaders:     []string{"Content-Type", "Authorization", "Range", "Depth"},
			ExposeHeaders:    []string{"Content-Length", "Content-Range", mw.RequestIdHeader},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	//=====================
	// ROUTE CONFIGURATIONS
	//=====================

	rangeCheck := mw.RangeHeader(func(r *http.Request) bool {
		return ps.Service.Protected(r.URL.EscapedPath(), false)
	})
	for _, prefix := range []string{"/d", "/p"} {
		g := eng.Group(prefix, rangeCheck)
		g.GET("/*path", ps.download(false))
		g.HEAD("/*path", ps.download(false))
	}

	eng.POST(alist.PathFsList, ps.fsList)
	eng.POST(alist.PathFsGet, ps.fsGet)

	// WebDAV mount
	dav := eng.Group(ps.Service.DavPrefix, mw.MarkWebdav(), mw.RangeHeader(func(r *http.Request) bool {
		return ps.Service.Protected(r.URL.EscapedPath(), true)
	}))
	{
		dav.Handle("PROPFIND", "", ps.handle(ps.Service.Propfind))
		dav.Handle("PROPFIND", "/*path", ps.handle(ps.Service.Propfind))
		dav.GET("/*path", ps.download(true))
		dav.HEAD("/*path", ps.download(true))
		for _, m := range webdavMethods {
			dav.Handle(m, "/*path", ps.handle(ps.Service.Passthrough))
		}
	}

	// Everything else belongs to the backend, e.g. its web UI.
	eng.NoRoute(ps.passthrough(backend))

	return eng, nil
}

// Run runs the proxy server until it fails or a value arrives on Kill.
func (ps *ProxyServer) Run() (err error) {
	var eng *gin.Engine
	if eng, err = ps.Engine(); err != nil {
		return err
	}

	ctx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go ps.Service.Cache.RunSweeper(ctx, ps.Cache.SweepInterval)

	//=================
	// START THE SERVER
	//=================

	srv := &http.Server{
		Addr:              ps.Config.Socket(),
		Handler:           eng,
		ReadHeaderTimeout: 30 * time.Second,
		ErrorLog:          log.HTTP,
	}

	go func() {
		log.INFO.Printf("Proxy server listening on %s, backend %s", ps.Config.Socket(), ps.Service.BackendURL)
		if e := srv.ListenAndServe(); e != nil && !errors.Is(e, http.ErrServerClosed) {
			err = e
			ps.Kill <- 2
		}
	}()

	if out := <-ps.Kill; out != 2 {
		log.WARN.Printf("Shutting down proxy server")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	}
	log.ERR.Printf("Proxy server failed: %v", err)
	return err
}

//==================
// ENDPOINT HANDLERS
//==================

func (ps *ProxyServer) handle(f func(w http.ResponseWriter, r *http.Request) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := f(c.Writer, c.Request); err != nil {
			_ = c.Error(err)
			c.Abort()
		}
	}
}

func (ps *ProxyServer) download(webdav bool) gin.HandlerFunc {
	return ps.handle(func(w http.ResponseWriter, r *http.Request) error {
		return ps.Service.Download(w, r, webdav)
	})
}

func (ps *ProxyServer) fsList(c *gin.Context) {
	req, ok := bindPathRequest(c)
	if !ok {
		return
	}
	resp, err := ps.Service.FsList(c.Request.Context(), req, c.GetHeader("Authorization"))
	if err != nil {
		_ = c.Error(err)
		c.Abort()
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (ps *ProxyServer) fsGet(c *gin.Context) {
	req, ok := bindPathRequest(c)
	if !ok {
		return
	}
	resp, err := ps.Service.FsGet(c.Request.Context(), req, c.GetHeader("Authorization"), origin(c))
	if err != nil {
		_ = c.Error(err)
		c.Abort()
		return
	}
	c.JSON(http.StatusOK, resp)
}

// passthrough reverse proxies requests no route claims. Backend 404s
// outside the WebDAV mount are rendered by the envelope middleware.
func (ps *ProxyServer) passthrough(backend *url.URL) gin.HandlerFunc {
	return func(c *gin.Context) {
		webdav := ps.inDav(c.Request.URL.Path)
		if webdav {
			c.Set(mw.WebdavKey, true)
		}
		rp := &httputil.ReverseProxy{
			Rewrite: func(pr *httputil.ProxyRequest) {
				pr.SetURL(backend)
				pr.SetXForwarded()
			},
			Transport: ps.Service.HTTP.Transport,
			ErrorLog:  log.HTTP,
			ModifyResponse: func(resp *http.Response) error {
				if resp.StatusCode == http.StatusNotFound && !webdav {
					return errs.NewNotFound("passthrough", resp.Request.URL.Path)
				}
				return nil
			},
			ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
				if !errs.Is(err, errs.NotFound) {
					err = errs.NewUpstream("passthrough", r.URL.Path, err)
				}
				_ = c.Error(err)
			},
		}
		rp.ServeHTTP(c.Writer, c.Request)
	}
}

// inDav reports whether p lies below the WebDAV mount.
func (ps *ProxyServer) inDav(p string) bool {
	prefix := ps.Service.DavPrefix
	return prefix != "" && (p == prefix || strings.HasPrefix(p, prefix+"/"))
}

func bindPathRequest(c *gin.Context) (alist.PathRequest, bool) {
	var req alist.PathRequest
	if err := c.ShouldBindJSON(&req); err != nil || req == nil {
		if err == nil {
			err = errors.New("empty request body")
		}
		_ = c.Error(errs.WithStatus(http.StatusBadRequest, err))
		c.Abort()
		return nil, false
	}
	return req, true
}

// origin returns the scheme and host the client used to reach the
// proxy.
func origin(c *gin.Context) string {
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	if p := c.GetHeader("X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	host := c.Request.Host
	if h := c.GetHeader("X-Forwarded-Host"); h != "" {
		host = h
	}
	return scheme + "://" + host
}
