package middleware

import (
	"net/http"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Infinibay/backend-sub001/firewall"
)

// AttachRequestID attaches a unique ID to the incoming request so log lines
// across a single call can be correlated.
func AttachRequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set("request_id", id)
		c.Set("logger", log.WithField("request_id", id))
		c.Header("X-Request-Id", id)
		c.Next()
	}
}

// ExtractLogger returns the request-scoped log entry.
func ExtractLogger(c *gin.Context) *log.Entry {
	v, ok := c.Get("logger")
	if !ok {
		return log.WithField("request_id", "unknown")
	}
	return v.(*log.Entry)
}

// CaptureAndAbort aborts the request with a status derived from the error
// type: domain errors map to their HTTP equivalents, anything else is a 500
// with the details kept out of the response body.
func CaptureAndAbort(c *gin.Context, err error) {
	var verr *firewall.ValidationError
	var nf *firewall.NotFoundError
	var guard *firewall.DepartmentHasMachinesError

	switch {
	case errors.As(err, &verr):
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": verr.Error()})
	case errors.As(err, &nf):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": nf.Error()})
	case errors.As(err, &guard):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": guard.Error()})
	default:
		ExtractLogger(c).WithError(err).Error("unhandled error while processing request")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "an internal error occurred while processing this request"})
	}
}
