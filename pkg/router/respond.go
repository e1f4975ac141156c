package router

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/valyala/fasthttp"
)

// WriteJSON writes a JSON response with the given status.
func WriteJSON(ctx *fasthttp.RequestCtx, status int, data interface{}) {
	ctx.SetStatusCode(status)
	ctx.Response.Header.Set("Content-Type", "application/json")
	_ = json.NewEncoder(ctx).Encode(data)
}

// WriteJSONError writes a JSON error response.
func WriteJSONError(ctx *fasthttp.RequestCtx, status int, message string) {
	WriteJSON(ctx, status, map[string]string{"error": message})
}

// ReadJSON decodes the request body into v.
func ReadJSON(ctx *fasthttp.RequestCtx, v interface{}) error {
	body := ctx.PostBody()
	if len(body) == 0 {
		return errors.New("request body is empty")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.Wrap(err, "invalid json body")
	}
	return nil
}

// PathParam returns a path parameter set by the router.
func PathParam(ctx *fasthttp.RequestCtx, name string) string {
	v, _ := ctx.UserValue(name).(string)
	return strings.TrimSpace(v)
}

// PathInt64 parses a path parameter as an integer.
func PathInt64(ctx *fasthttp.RequestCtx, name string) (int64, error) {
	raw := PathParam(ctx, name)
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errors.Newf("invalid %s %q", name, raw)
	}
	return v, nil
}

// QueryInt returns a query parameter as integer, with default fallback.
func QueryInt(ctx *fasthttp.RequestCtx, key string, def int) int {
	raw := strings.TrimSpace(string(ctx.QueryArgs().Peek(key)))
	if raw == "" {
		return def
	}
	if v, err := strconv.Atoi(raw); err == nil {
		return v
	}
	return def
}

// GetHeader returns a header value with trimming.
func GetHeader(ctx *fasthttp.RequestCtx, key string) string {
	return strings.TrimSpace(string(ctx.Request.Header.Peek(key)))
}
