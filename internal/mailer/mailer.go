// Package mailer abstracts the outbound mail transport: send one
// message, get a provider id or a classified failure.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
)

// Message is one rendered email ready for the wire
type Message struct {
	From     string
	FromName string
	ReplyTo  string
	To       string
	Subject  string
	HTML     string
}

// Transport sends a single message. Implementations must honor the
// context deadline; callers always attach one.
type Transport interface {
	Send(ctx context.Context, msg *Message) (id string, err error)
}

// SendError is a classified transport failure. Permanent failures are
// not worth retrying (5xx rejections, bad sender domain); everything
// else is treated as transient and retried at the batch level.
type SendError struct {
	Code      int // SMTP code when known, 0 otherwise
	Permanent bool
	// SenderFault marks failures attributable to the sending identity
	// (rejected MAIL FROM, authentication). These abort the whole
	// campaign rather than burning through every batch.
	SenderFault bool
	Message     string
}

func (e *SendError) Error() string {
	kind := "temporary"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("%s send failure: %s", kind, e.Message)
}

// IsPermanent reports whether err is a permanent transport failure
func IsPermanent(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.Permanent
}

// IsSenderFault reports whether err condemns the sending identity
func IsSenderFault(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.SenderFault
}

var smtpCodePattern = regexp.MustCompile(`\b(4\d{2}|5\d{2})\b`)

// classifyError wraps a raw transport error into a SendError using the
// SMTP response code when one is present: 5xx permanent, 4xx (and
// anything unclassifiable, timeouts included) temporary.
func classifyError(err error, stage string) *SendError {
	msg := fmt.Sprintf("%s: %v", stage, err)

	if m := smtpCodePattern.FindString(err.Error()); m != "" {
		code := int(m[0]-'0')*100 + int(m[1]-'0')*10 + int(m[2]-'0')
		se := &SendError{
			Code:      code,
			Permanent: code >= 500,
			Message:   msg,
		}
		if se.Permanent && (stage == "MAIL FROM" || stage == "AUTH") {
			se.SenderFault = true
		}
		return se
	}

	return &SendError{Message: msg}
}

// ValidateAddress checks an email address syntactically. Invalid
// addresses are counted as failed without a transport call.
func ValidateAddress(email string) error {
	if email == "" {
		return errors.New("empty address")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return err
	}
	if addr.Address != email {
		return fmt.Errorf("address %q contains display name or extra content", email)
	}
	return nil
}
