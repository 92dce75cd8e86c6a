package logging

import (
	"github.com/sirupsen/logrus"

	"github.com/nodeplane/fleetcore/infrastructure/redaction"
)

// redactionHook scrubs panel credentials, bot tokens, and bearer/API keys out
// of every log entry before it's formatted, catching secrets that end up in
// a free-form message or field value rather than going through
// infrastructure/secrets.Mask explicitly.
type redactionHook struct {
	redactor *redaction.Redactor
}

func newRedactionHook() *redactionHook {
	return &redactionHook{redactor: redaction.NewRedactor(redaction.DefaultConfig())}
}

func (h *redactionHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *redactionHook) Fire(entry *logrus.Entry) error {
	entry.Message = h.redactor.RedactString(entry.Message)
	if len(entry.Data) > 0 {
		redacted := make(logrus.Fields, len(entry.Data))
		for k, v := range h.redactor.RedactMap(entry.Data) {
			redacted[k] = v
		}
		entry.Data = redacted
	}
	return nil
}
