package middles

import (
	"bytes"
	"io"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const MaxPrintBodyLen = 512

type bodyLogWriter struct {
	gin.ResponseWriter
	bodyBuf *bytes.Buffer
}

func (w bodyLogWriter) Write(b []byte) (int, error) {
	w.bodyBuf.Write(b)
	return w.ResponseWriter.Write(b)
}

func truncate(s string) string {
	s = strings.Trim(s, "\n")
	if len(s) > MaxPrintBodyLen {
		s = s[:MaxPrintBodyLen-1]
	}
	return s
}

// Logging logs every request with its body and the response body. Websocket
// upgrades are logged without bodies.
func Logging() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		log := logrus.WithField("url", c.Request.URL.Path).
			WithField("method", c.Request.Method).
			WithField("addr", c.ClientIP())

		if strings.EqualFold(c.GetHeader("Upgrade"), "websocket") {
			log.Info("incoming upgrade")
			c.Next()
			return
		}

		var buf []byte
		if c.Request.Body != nil {
			buf, _ = io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewReader(buf))
		}
		log.Debugf("incoming request: %s", truncate(string(buf)))

		blw := bodyLogWriter{bodyBuf: new(bytes.Buffer), ResponseWriter: c.Writer}
		c.Writer = blw

		c.Next()

		log = log.WithField("status", c.Writer.Status()).WithField("cost", time.Since(start).String())
		if c.Writer.Status() >= 400 {
			log.Warnf("outgoing response: %s", truncate(blw.bodyBuf.String()))
			return
		}
		log.Debugf("outgoing response: %s", truncate(blw.bodyBuf.String()))
	}
}
