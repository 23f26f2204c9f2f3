package diabetactic

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/diabetactic/diabetactic-go/internal/transport"
	"github.com/sirupsen/logrus"
)

// NewLogger creates the client logger.
// When debug is set the level is Debug and request/response bodies are
// logged. If logPath is empty, logs go to stderr. The returned closer must
// be closed when the logger writes to a file.
func NewLogger(debug bool, logPath string) (*logrus.Logger, io.Closer, error) {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	logger.SetLevel(logrus.InfoLevel)
	if debug {
		logger.SetLevel(logrus.DebugLevel)
	}

	var closer io.Closer = nopCloser{}
	logger.SetOutput(os.Stderr)
	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		logger.SetOutput(f)
		closer = f
	}
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// discardLogger is used when the caller supplies no logger.
func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// logStage logs every exchange at debug level. Bodies of token operations
// are never logged.
func logStage(log logrus.FieldLogger) transport.Stage {
	return func(next transport.RoundTrip) transport.RoundTrip {
		return func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
			fields := logrus.Fields{"op": req.Operation, "method": req.Method, "path": req.Path}
			entry := log.WithFields(fields)
			if len(req.Body) > 0 && !isTokenOperation(req.Operation) {
				entry.WithField("body", truncateForLog(string(req.Body), 2000)).Debug("request")
			} else {
				entry.Debug("request")
			}

			resp, err := next(ctx, req)
			if err != nil {
				entry.WithError(err).Debug("request failed")
				return resp, err
			}
			entry = entry.WithField("status", resp.Status)
			if len(resp.Body) > 0 && !isTokenOperation(req.Operation) {
				entry = entry.WithField("body", truncateForLog(string(resp.Body), 4000))
			}
			entry.Debug("response")
			return resp, nil
		}
	}
}

func isTokenOperation(op string) bool {
	return op == OpAuthToken || op == OpAuthRefresh
}

// truncateForLog truncates a string for logging purposes.
func truncateForLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}
