package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	jwt "github.com/appleboy/gin-jwt/v2"
	structs "github.com/blackhillsinfosec/cryptproxy/api_structs"
	"github.com/blackhillsinfosec/cryptproxy/config"
	"github.com/blackhillsinfosec/cryptproxy/crypt"
	"github.com/blackhillsinfosec/cryptproxy/errs"
	"github.com/blackhillsinfosec/cryptproxy/log"
	"github.com/blackhillsinfosec/cryptproxy/meta"
	"github.com/blackhillsinfosec/cryptproxy/proxy"
	mw "github.com/blackhillsinfosec/cryptproxy/server/middleware"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// AdminServer hosts the administrative API, which exists as a
// method of inspecting the active rules and managing the metadata
// cache of a running proxy.
//
// While this can be Internet-exposed, it's recommended
// that it listens only on 127.0.0.1.
//
// JWT authentication is used.
type AdminServer struct {
	Config  *config.AdminServerOptions
	Auth    *config.AuthOptions
	Users   *[]config.Credential
	Service *proxy.Service
	// Kill is a channel used to tell AdminServer that it
	// should die.
	Kill chan uint8
}

// Engine builds the gin engine serving the admin routes.
func (as *AdminServer) Engine() (eng *gin.Engine, err error) {

	eng = gin.New()
	eng.Use(mw.RequestId(), mw.RequestLog(), gin.Recovery())

	//=========================
	// CONFIGURE JWT MIDDLEWARE
	//=========================

	// Reference: https://github.com/appleboy/gin-jwt
	var authMiddleWare *jwt.GinJWTMiddleware
	if authMiddleWare, err = jwt.New(&jwt.GinJWTMiddleware{
		Timeout:         24 * time.Hour,
		MaxRefresh:      7 * (24 * time.Hour),
		IdentityKey:     as.Auth.Jwt.FieldKeys.Username,
		Realm:           as.Auth.Jwt.Realm,
		Key:             []byte(as.Auth.Jwt.SigningKey),
		TokenLookup:     fmt.Sprintf("header: %s", as.Auth.Header.Name),
		TokenHeadName:   as.Auth.Header.Scheme,
		Authorizator:    mw.JwtIsCredAdmin,
		Unauthorized:    mw.JwtIsUnauthorized,
		Authenticator:   mw.JwtLoginHandler(as.Users, true),
		IdentityHandler: mw.JwtIdentityHandler(&as.Auth.Jwt.FieldKeys),
		PayloadFunc:     mw.JwtPayloadFunc(&as.Auth.Jwt.FieldKeys),
		LoginResponse:   mw.JwtLoginResponse,
		RefreshResponse: mw.JwtLoginResponse,
	}); err != nil {

		log.ERR.Printf("Failed to initialize JWT auth: %v", err)
		return nil, err

	}

	if err = authMiddleWare.MiddlewareInit(); err != nil {
		log.ERR.Printf("Failed to initialize Gin JWT middleware: %v", err)
		return nil, err
	}

	//===============
	// CONFIGURE CORS
	//===============

	var corsFqdns []string
	corsFqdns = append(corsFqdns, "http://"+as.Config.Socket())
	corsFqdns = append(corsFqdns, as.Config.AddtlCorsUrls...)
	eng.Use(cors.New(cors.Config{
		AllowWildcard:    true,
		AllowOrigins:     corsFqdns,
		AllowMethods:     []string{"GET", "POST", "DELETE"},
		AllowHeaders:     []string{"Content-Type", as.Auth.Header.Name},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	if err = eng.SetTrustedProxies(nil); err != nil {
		log.ERR.Printf("Failed set trusted proxies on admin server: %v", err)
		return nil, err
	}

	eng.NoRoute(authMiddleWare.MiddlewareFunc(), func(c *gin.Context) {
		c.JSON(http.StatusNotFound, structs.ErrorResponse(http.StatusNotFound, "Not Found"))
	})

	//=================
	// ANONYMOUS ROUTES
	//=================

	eng.GET("/ping", as.PingHandler)
	eng.POST("/login", authMiddleWare.LoginHandler)
	eng.GET("/login", authMiddleWare.RefreshHandler)
	eng.POST("/logout", authMiddleWare.LogoutHandler)

	//=====================
	// AUTHENTICATED ROUTES
	//=====================

	auth := eng.Group("/admin")
	auth.Use(authMiddleWare.MiddlewareFunc())
	{
		auth.GET("/ping", as.PingHandler)

		auth.GET("/rules", as.GetRules)

		auth.GET("/cache", as.GetCache)
		auth.DELETE("/cache", as.FlushCache)
		auth.DELETE("/cache/*path", as.InvalidateCache)
		auth.POST("/cache/warm", as.WarmCache)

		auth.POST("/codec/encode", as.Codec(true))
		auth.POST("/codec/decode", as.Codec(false))
	}

	return eng, nil
}

// Run runs the admin server.
func (as *AdminServer) Run() (err error) {

	var eng *gin.Engine
	if eng, err = as.Engine(); err != nil {
		return err
	}

	//=================
	// START THE SERVER
	//=================

	srv := http.Server{
		Addr:              as.Config.Socket(),
		Handler:           eng,
		ReadHeaderTimeout: 30 * time.Second,
		ErrorLog:          log.HTTP,
	}

	go func() {
		log.INFO.Printf("Admin server listening on %s", as.Config.Socket())
		if e := srv.ListenAndServe(); e != nil && !errors.Is(e, http.ErrServerClosed) {
			err = e
			as.Kill <- 2
		}
	}()

	out := <-as.Kill
	if out != 2 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer func() {
			cancel()
		}()
		log.WARN.Printf("Shutting down admin server")
		return srv.Shutdown(ctx)
	} else if err != nil {
		log.ERR.Printf("Failed to start admin server: %v", err)
	}

	return err
}

//==================
// ENDPOINT HANDLERS
//==================

// PingHandler is for API ping requests.
//
// Response Structure: PingResponse
func (as *AdminServer) PingHandler(c *gin.Context) {
	c.JSON(http.StatusOK, structs.PingResponse{
		BaseResponse: structs.BaseSuccessResponse(),
		Response:     "pong"})
}

// GetRules lists the active password rules. Passwords are never
// returned.
//
// Responses:
//
// - RulesResponse
func (as *AdminServer) GetRules(c *gin.Context) {
	rules := as.Service.Rules().Rules()
	resp := structs.RulesResponse{
		BaseResponse: structs.BaseSuccessResponse(),
		Rules:        make([]structs.Rule, 0, len(rules)),
	}
	for _, r := range rules {
		resp.Rules = append(resp.Rules, structs.Rule{
			Paths:    slices.Clone(r.Paths),
			EncType:  string(r.Tag),
			EncName:  r.EncName,
			Describe: r.Describe,
		})
	}
	resp.Message = fmt.Sprintf("%d rules active.", len(resp.Rules))
	c.JSON(http.StatusOK, resp)
}

// GetCache lists the live file records.
//
// Responses:
//
// - CacheResponse
func (as *AdminServer) GetCache(c *gin.Context) {
	records := as.Service.Cache.Snapshot()
	resp := structs.CacheResponse{
		BaseResponse: structs.BaseSuccessResponse(),
		Records:      records,
	}
	resp.Message = fmt.Sprintf("%d records cached.", len(records))
	c.JSON(http.StatusOK, resp)
}

// FlushCache drops every cached record.
//
// Responses:
//
// - FlushResponse
func (as *AdminServer) FlushCache(c *gin.Context) {
	n := as.Service.Cache.Flush()
	log.WARN.Printf("Metadata cache flushed, %d records dropped", n)
	c.JSON(http.StatusOK, structs.FlushResponse{
		BaseResponse: structs.BaseSuccessResponse(),
		Removed:      n,
	})
}

// InvalidateCache drops the record of one backend path.
//
// Responses:
//
// - FlushResponse
func (as *AdminServer) InvalidateCache(c *gin.Context) {
	resp := structs.FlushResponse{BaseResponse: structs.BaseSuccessResponse()}
	p := meta.Key(c.Param("path"))
	if as.Service.Cache.Invalidate(p) {
		resp.Removed = 1
		log.INFO.Printf("Metadata cache record dropped: %s", p)
	}
	c.JSON(http.StatusOK, resp)
}

// WarmCache lists a backend directory and caches its children.
//
// Responses:
//
// - Upon success, CacheResponse holding the new records.
// - Upon error, structs.BaseResponse.
func (as *AdminServer) WarmCache(c *gin.Context) {
	p := structs.WarmPayload{}
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, structs.ErrorResponse(http.StatusBadRequest,
			fmt.Sprintf("Poorly formatted request payload: %v", err)))
		return
	}

	records, err := as.Service.Warm(c.Request.Context(), p.Path, p.Authorization)
	if err != nil {
		log.WARN.Printf("Failed to warm metadata cache for %s: %v", p.Path, err)
		code := errs.StatusOf(err)
		c.JSON(code, structs.ErrorResponse(code, err.Error()))
		return
	}

	resp := structs.CacheResponse{
		BaseResponse: structs.BaseSuccessResponse(),
		Records:      records,
	}
	resp.Message = fmt.Sprintf("%d records cached.", len(records))
	c.JSON(http.StatusOK, resp)
}

// Codec returns a handler translating names under the rule protecting
// a path: clear to obfuscated when encode is set, otherwise the
// reverse.
//
// Responses:
//
// - Upon success, CodecResponse.
// - Upon error, structs.BaseResponse.
func (as *AdminServer) Codec(encode bool) gin.HandlerFunc {
	return func(c *gin.Context) {

		p := structs.CodecPayload{}
		if err := c.ShouldBindJSON(&p); err != nil {
			c.JSON(http.StatusBadRequest, structs.ErrorResponse(http.StatusBadRequest,
				fmt.Sprintf("Poorly formatted request payload: %v", err)))
			return
		}

		//==========================
		// FIND THE GOVERNING RULE
		//==========================

		auth := as.Service.Rules().Resolve(p.Path)
		if !auth.Matched() {
			c.JSON(http.StatusNotFound, structs.ErrorResponse(http.StatusNotFound,
				fmt.Sprintf("No rule protects %s", p.Path)))
			return
		}

		codec, err := crypt.NewNameCodec(auth.Rule.Password, auth.Rule.Tag)
		if err != nil {
			c.JSON(http.StatusInternalServerError, structs.ErrorResponse(http.StatusInternalServerError, err.Error()))
			return
		}

		//=====================
		// TRANSLATE EACH NAME
		//=====================

		translated := map[string]string{}
		failed := map[string]struct{}{}
		for _, name := range p.Names {
			var out string
			if encode {
				out, err = codec.Encode(name)
			} else {
				out, err = codec.Decode(name)
			}
			if err != nil {
				log.DEBUG.Printf("Name translation failed for %s: %v", name, err)
				failed[name] = struct{}{}
				continue
			}
			translated[name] = out
		}

		resp := structs.CodecResponse{
			BaseResponse: structs.BaseSuccessResponse(),
			Names:        translated,
		}
		if len(failed) > 0 {
			resp.Failed = maps.Keys(failed)
			slices.Sort(resp.Failed)
			resp.Message = fmt.Sprintf("%d names could not be translated.", len(failed))
		}
		c.JSON(http.StatusOK, resp)
	}
}
