package middleware

import (
	"net/http"
	"time"

	jwt "github.com/appleboy/gin-jwt/v2"
	structs "github.com/blackhillsinfosec/cryptproxy/api_structs"
	"github.com/blackhillsinfosec/cryptproxy/config"
	"github.com/gin-gonic/gin"
)

// JwtIsUnauthorized handles JwtIsUnauthorized requests.
func JwtIsUnauthorized(c *gin.Context, code int, message string) {
	c.JSON(code, structs.ErrorResponse(code, message))
}

// JwtIsCredAdmin handles request authorization.
func JwtIsCredAdmin(cred interface{}, c *gin.Context) bool {
	if v, ok := cred.(*config.Credential); ok && v.IsAdmin {
		return true
	}
	return false
}

func JwtIdentityHandler(keys *config.JwtFieldKeys) func(c *gin.Context) interface{} {
	return func(c *gin.Context) interface{} {
		return JwtExtractCtxClaims(keys, c)
	}
}

// JwtExtractCtxClaims extract claims from the current request's
// authentication context, i.e., fields are parsed and returned from
// the authenticated user's JWT.
func JwtExtractCtxClaims(keys *config.JwtFieldKeys, c *gin.Context) *config.Credential {
	claims := jwt.ExtractClaims(c)
	cred := &config.Credential{}
	cred.Username, _ = claims[keys.Username].(string)
	cred.IsAdmin, _ = claims[keys.Admin].(bool)
	return cred
}

// JwtLoginHandler authenticates a structs.LoginPayload against users.
func JwtLoginHandler(users *[]config.Credential, adminRequired bool) func(c *gin.Context) (interface{}, error) {
	return func(c *gin.Context) (interface{}, error) {
		p := structs.LoginPayload{}
		if err := c.ShouldBindJSON(&p); err != nil {
			return nil, jwt.ErrMissingLoginValues
		}
		for _, cred := range *users {
			if cred.Username == p.Username && cred.Password == p.Password {
				if !adminRequired || cred.IsAdmin {
					cred := cred
					return &cred, nil
				}
			}
		}
		return nil, jwt.ErrFailedAuthentication
	}
}

// JwtPayloadFunc returns a function that generates the JWT payload.
func JwtPayloadFunc(keys *config.JwtFieldKeys) func(data interface{}) jwt.MapClaims {
	return func(data interface{}) jwt.MapClaims {
		if v, ok := data.(*config.Credential); ok {
			return jwt.MapClaims{
				keys.Username: v.Username,
				keys.Admin:    v.IsAdmin,
			}
		}
		return jwt.MapClaims{}
	}
}

// JwtLoginResponse renders issued tokens.
func JwtLoginResponse(c *gin.Context, code int, token string, expire time.Time) {
	c.JSON(http.StatusOK, structs.LoginResponse{
		BaseResponse: structs.BaseSuccessResponse(),
		Token:        token,
		Expire:       expire.Format(time.RFC3339),
	})
}
