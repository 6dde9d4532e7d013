package service

import "github.com/sirupsen/logrus"

// AuditSink receives structured side-effect records. The engine never reads
// them back.
type AuditSink interface {
	Record(channel, event string, fields map[string]any)
}

// LogAuditSink writes audit records through logrus.
type LogAuditSink struct{}

func (LogAuditSink) Record(channel, event string, fields map[string]any) {
	logrus.WithFields(logrus.Fields(fields)).
		WithField("channel", channel).
		WithField("event", event).
		Info("[AUDIT] " + event)
}
