package middleware

import (
	"context"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

const (
	localsContext = "xray-ctx"
	localsSegment = "xray-seg"
)

// XRay wraps Fiber requests in an X-Ray segment named after the service.
// The WebSocket upgrade route is not traced; its connections outlive any
// sensible segment.
func XRay(service string, log *zap.Logger) fiber.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return func(c *fiber.Ctx) error {
		if c.Path() == "/health" || c.Path() == "/ws" {
			return c.Next()
		}

		ctx, seg := xray.BeginSegment(context.Background(), service)
		defer seg.Close(nil)

		if req := seg.GetHTTP().GetRequest(); req != nil {
			req.Method = c.Method()
			req.URL = c.OriginalURL()
			req.ClientIP = c.IP()
			req.UserAgent = c.Get(fiber.HeaderUserAgent)
		}
		_ = seg.AddAnnotation("route", c.Route().Path)
		_ = seg.AddAnnotation("method", c.Method())

		c.Locals(localsContext, ctx)
		c.Locals(localsSegment, seg)

		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			log.Warn("request failed", zap.String("path", c.Path()), zap.Error(err))
			_ = seg.AddError(err)
			status = fiber.StatusInternalServerError
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			}
		}
		if resp := seg.GetHTTP().GetResponse(); resp != nil {
			resp.Status = status
		}
		return err
	}
}

// Context returns the request's X-Ray context, or the request context when
// the route is not traced.
func Context(c *fiber.Ctx) context.Context {
	if ctx, ok := c.Locals(localsContext).(context.Context); ok {
		return ctx
	}
	return c.UserContext()
}
