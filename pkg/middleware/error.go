package middleware

import (
	"context"
	"errors"
	"net/http"

	"estate-credits/pkg/errutil"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Error renders the last error attached with c.Error as an errutil JSON body.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		last := c.Errors.Last()
		if last == nil || c.Writer.Written() {
			return
		}

		var be errutil.BaseError
		switch {
		case errors.As(last.Err, &be):
			c.JSON(be.Code.HTTPStatus(), be.JSON())
		case errors.Is(last.Err, context.DeadlineExceeded):
			c.JSON(http.StatusGatewayTimeout, errutil.BaseError{Code: errutil.StatusGatewayTimeout, Message: "request timed out"}.JSON())
		default:
			zap.L().Error("unhandled request error",
				zap.String("path", c.FullPath()), zap.Error(last.Err))
			c.JSON(http.StatusInternalServerError, errutil.BaseError{Code: errutil.StatusInternal, Message: "internal error"}.JSON())
		}
	}
}
