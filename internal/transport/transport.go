// Package transport sends rendered messages to recipients. The core
// scheduling loop only sees the Sender interface; how a message gets
// transmitted (Telnyx SMS, or just the log when no API key is
// configured) is decided at wiring time.
package transport

import (
	"context"
	"strings"

	"sasd/pkg/logx"
)

// Sender transmits one message to one telephone number.
type Sender interface {
	SendSMS(ctx context.Context, telephone, message string) error
}

// LogSender writes outbound messages to the log instead of a carrier.
// Used when no SMS API key is configured.
type LogSender struct {
	Log logx.Logger
}

func (l LogSender) SendSMS(_ context.Context, telephone, message string) error {
	l.Log.Info("sms (dry-run)",
		logx.String("to", telephone),
		logx.String("text", strings.ReplaceAll(message, "\n", "\\n")))
	return nil
}
