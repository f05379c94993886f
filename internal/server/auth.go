package server

import (
	"bytes"
	"encoding/base64"

	"github.com/valyala/fasthttp"
	"golang.org/x/crypto/bcrypt"
)

// basicAuth guards a handler with HTTP Basic credentials. The password
// is compared against a bcrypt hash derived at startup so the plaintext
// never sits in the handler chain.
func (s *Server) basicAuth(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		auth := ctx.Request.Header.Peek("Authorization")
		const prefix = "Basic "
		if !bytes.HasPrefix(auth, []byte(prefix)) {
			challenge(ctx)
			return
		}

		decoded, err := base64.StdEncoding.DecodeString(string(auth[len(prefix):]))
		if err != nil {
			challenge(ctx)
			return
		}
		user, pass, ok := bytes.Cut(decoded, []byte(":"))
		if !ok || string(user) != s.cfg.AdminUser {
			challenge(ctx)
			return
		}
		if err := bcrypt.CompareHashAndPassword(s.passwordHash, pass); err != nil {
			challenge(ctx)
			return
		}

		next(ctx)
	}
}

func challenge(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("WWW-Authenticate", `Basic realm="boxaudit"`)
	ctx.SetStatusCode(fasthttp.StatusUnauthorized)
	ctx.SetBodyString("unauthorized")
}
