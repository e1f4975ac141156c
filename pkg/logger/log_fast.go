package logger

import (
	"strings"
	"unicode/utf8"

	"github.com/valyala/fasthttp"
)

var sensitiveHeaders = map[string]bool{
	"authorization": true,
	"x-api-key":     true,
	"cookie":        true,
}

func maskedValue(v string) string {
	if v == "" {
		return ""
	}
	l := utf8.RuneCountInString(v)
	if l <= 2 {
		return "<redacted>"
	}
	first, _ := utf8.DecodeRuneInString(v)
	last, _ := utf8.DecodeLastRuneInString(v)
	return string(first) + "*****" + string(last)
}

func redactHeaderValue(k, v string) string {
	if !sensitiveHeaders[strings.ToLower(k)] {
		return v
	}
	return maskedValue(v)
}

// SafeHeadersFast builds a redacted header string for fasthttp requests.
func SafeHeadersFast(ctx *fasthttp.RequestCtx) string {
	parts := make([]string, 0)
	ctx.Request.Header.VisitAll(func(k, v []byte) {
		key := string(k)
		parts = append(parts, key+"="+redactHeaderValue(key, string(v)))
	})
	return strings.Join(parts, "; ")
}

// LogRequestFast logs a concise, safe summary of an incoming fasthttp request.
func LogRequestFast(ctx *fasthttp.RequestCtx) {
	Debug("incoming_request",
		"method", string(ctx.Method()),
		"path", string(ctx.Path()),
		"remote", ctx.RemoteAddr().String(),
		"headers", SafeHeadersFast(ctx))
}
