package middleware

import (
	"postpilot-engine/pkg/errutil"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Error renders the last gin error as a structured JSON body. Handlers push
// domain errors with c.Error and return; only malformed top-level requests
// reach this path, partial failures return their summary instead.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		err := c.Errors.Last()
		if err == nil {
			return
		}

		if v, ok := err.Err.(errutil.BaseError); ok {
			c.JSON(v.Code.HTTPStatus(), v.JSON())
			return
		}

		zap.L().Error("unhandled request error", zap.Error(err.Err))
		c.JSON(errutil.StatusInternal.HTTPStatus(), errutil.BaseError{
			Code:    errutil.StatusInternal,
			Message: "internal error",
		}.JSON())
	}
}
