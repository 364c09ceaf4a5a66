package transfer

import (
	"errors"
	"fmt"
	"io"
	"net/textproto"

	"github.com/emersion/go-smtp"
)

// SendError is a failed delivery. Code carries the SMTP reply code when the
// server produced one and is zero for local or network failures.
type SendError struct {
	Code int
	Err  error
}

func (e *SendError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("smtp %d: %v", e.Code, e.Err)
	}
	return e.Err.Error()
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Permanent reports a 5xx rejection.
func (e *SendError) Permanent() bool {
	return e.Code >= 500 && e.Code < 600
}

// CodeOf extracts the SMTP reply code from err, or 0.
func CodeOf(err error) int {
	var se *SendError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

func wrapSMTPError(stage string, err error) error {
	if err == nil {
		return nil
	}
	var already *SendError
	if errors.As(err, &already) {
		return err
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return &SendError{Code: smtpErr.Code, Err: fmt.Errorf("%s: %w", stage, err)}
	}
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		return &SendError{Code: protoErr.Code, Err: fmt.Errorf("%s: %w", stage, err)}
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &SendError{Code: 421, Err: fmt.Errorf("%s: connection closed: %w", stage, err)}
	}
	return &SendError{Err: fmt.Errorf("%s: %w", stage, err)}
}
