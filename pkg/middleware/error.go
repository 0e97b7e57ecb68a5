package middleware

import (
	"errors"

	"rewards-core/pkg/errutil"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Error renders the last error a handler attached with c.Error as the
// errutil JSON envelope, using the error's CoreStatus for the HTTP code.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		code := errutil.StatusOf(err)
		if code.HTTPStatus() >= 500 {
			zap.L().Error("request failed",
				zap.String("method", c.Request.Method),
				zap.String("path", c.FullPath()),
				zap.String("code", string(code)),
				zap.Error(err))
		}

		var renderer interface{ JSON() interface{} }
		if errors.As(err, &renderer) {
			c.JSON(code.HTTPStatus(), renderer.JSON())
			return
		}

		c.JSON(code.HTTPStatus(), errutil.BaseError{Code: code, Message: err.Error()}.JSON())
	}
}
