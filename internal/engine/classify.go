package engine

import (
	"strings"

	"quikbridge/internal/config"
)

// ReplyClass is the engine-level interpretation of one transaction reply.
type ReplyClass int

const (
	// ReplyIgnore covers benign races and replies outside the table: no
	// status change, no notification.
	ReplyIgnore ReplyClass = iota
	ReplyAccepted
	ReplyCanceled
	ReplyRejected
	ReplyMargin
)

// Classifier interprets a reply's numeric status and human-readable message
// using the priority-ordered rules from the configuration table. Matching on
// broker-supplied message text is inherently fragile, which is exactly why
// the trigger strings live in config and not here.
type Classifier struct {
	cfg config.Classifier
}

// NewClassifier builds a Classifier from the configured reply table.
func NewClassifier(cfg config.Classifier) *Classifier {
	return &Classifier{cfg: cfg}
}

// Classify resolves a reply to its ReplyClass. Rules are checked in priority
// order: registration, cancellation, the failure-status set (with its benign
// exceptions), then the margin status.
func (c *Classifier) Classify(status int, msg string) ReplyClass {
	if status == c.cfg.AcceptedStatus ||
		(c.cfg.AcceptedSubstr != "" && strings.Contains(msg, c.cfg.AcceptedSubstr)) {
		return ReplyAccepted
	}
	if c.cfg.CanceledSubstr != "" && strings.Contains(msg, c.cfg.CanceledSubstr) {
		return ReplyCanceled
	}
	for _, failure := range c.cfg.FailureStatuses {
		if status != failure {
			continue
		}
		for _, benign := range c.cfg.Benign {
			if benign.Status == status &&
				(benign.Substr == "" || strings.Contains(msg, benign.Substr)) {
				return ReplyIgnore
			}
		}
		return ReplyRejected
	}
	if status == c.cfg.MarginStatus {
		return ReplyMargin
	}
	return ReplyIgnore
}
