package mailqueue

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Prince364133/hubsnap-sub002/internal/models"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type enqueueContract struct {
	To       string `validate:"required,max=320"`
	Subject  string `validate:"required,max=998"`
	Body     string `validate:"required"`
	Priority int    `validate:"min=1,max=10"`
}

// Prepare enforces the producer contract on entry and applies defaults.
// It is shared by every Store implementation.
func Prepare(entry *models.QueueEntry, now time.Time) error {
	if entry == nil {
		return fmt.Errorf("%w: entry is nil", ErrInvalidEntry)
	}

	entry.To = strings.TrimSpace(entry.To)
	entry.Subject = strings.TrimSpace(entry.Subject)
	if entry.Priority == 0 {
		entry.Priority = models.PriorityNormal
	}
	kind, ok := models.ParseMessageKind(string(entry.Kind))
	if !ok {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEntry, entry.Kind)
	}
	entry.Kind = kind

	contract := enqueueContract{
		To:       entry.To,
		Subject:  entry.Subject,
		Body:     strings.TrimSpace(entry.HTMLBody + entry.TextBody),
		Priority: entry.Priority,
	}
	if err := validate.Struct(contract); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidEntry, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	addr, err := mail.ParseAddress(entry.To)
	if err != nil {
		return fmt.Errorf("%w: to: %v", ErrInvalidEntry, err)
	}
	entry.To = addr.Address

	if entry.Kind == models.KindReply && entry.ReplyToID == nil {
		return fmt.Errorf("%w: reply entries require reply_to_id", ErrInvalidEntry)
	}

	entry.ID = 0
	entry.Status = models.QueueStatusPending
	entry.RetryCount = 0
	entry.LastError = nil
	entry.SentAt = nil
	entry.MessageID = nil
	entry.LeaseOwner = nil
	entry.LeaseExpiresAt = nil
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	return nil
}
