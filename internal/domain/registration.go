package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

const DUNSLength = 9

// ValidateDUNS requires exactly nine ASCII digits.
func ValidateDUNS(duns string) error {
	if len(duns) != DUNSLength {
		return fmt.Errorf("%w: %q must be %d digits", ErrInvalidDUNS, duns, DUNSLength)
	}
	for i := 0; i < len(duns); i++ {
		if duns[i] < '0' || duns[i] > '9' {
			return fmt.Errorf("%w: %q must be numeric", ErrInvalidDUNS, duns)
		}
	}
	return nil
}

type RegistrationStatus string

const (
	StatusPending    RegistrationStatus = "PENDING"
	StatusActive     RegistrationStatus = "ACTIVE"
	StatusSuppressed RegistrationStatus = "SUPPRESSED"
)

var reReference = regexp.MustCompile(`^[A-Za-z0-9_-]{3,50}$`)

// ValidateReference checks a registration reference name.
func ValidateReference(ref string) error {
	if !reReference.MatchString(ref) {
		return fmt.Errorf("%w: reference %q must be 3-50 chars of [A-Za-z0-9_-]", ErrInvalidRegistration, ref)
	}
	return nil
}

// Registration is a monitoring subscription.
type Registration struct {
	Reference         string             `json:"reference" yaml:"reference"`
	Description       string             `json:"description,omitempty" yaml:"description"`
	DataBlocks        []string           `json:"dataBlocks" yaml:"data_blocks"`
	JSONPathInclusion []string           `json:"jsonPathInclusion,omitempty" yaml:"json_path_inclusion"`
	JSONPathExclusion []string           `json:"jsonPathExclusion,omitempty" yaml:"json_path_exclusion"`
	SeedData          bool               `json:"seedData" yaml:"seed_data"`
	NotificationType  string             `json:"notificationType" yaml:"notification_type"`
	DeliveryTrigger   string             `json:"deliveryTrigger" yaml:"delivery_trigger"`
	Subjects          []string           `json:"-" yaml:"duns_list"`
	Status            RegistrationStatus `json:"status,omitempty" yaml:"-"`
	CreatedAt         time.Time          `json:"createdAt,omitempty" yaml:"-"`
}

// Normalize fills defaults in place.
func (r *Registration) Normalize() {
	r.Reference = strings.TrimSpace(r.Reference)
	if r.NotificationType == "" {
		r.NotificationType = "UPDATE"
	}
	if r.DeliveryTrigger == "" {
		r.DeliveryTrigger = "API_PULL"
	}
	r.NotificationType = strings.ToUpper(r.NotificationType)
	r.DeliveryTrigger = strings.ToUpper(r.DeliveryTrigger)
}

func (r Registration) Validate() error {
	if err := ValidateReference(r.Reference); err != nil {
		return err
	}
	if len(r.DataBlocks) == 0 {
		return fmt.Errorf("%w: %s: at least one data block is required", ErrInvalidRegistration, r.Reference)
	}
	switch r.NotificationType {
	case "UPDATE", "FULL_PRODUCT":
	default:
		return fmt.Errorf("%w: %s: notification type %q", ErrInvalidRegistration, r.Reference, r.NotificationType)
	}
	switch r.DeliveryTrigger {
	case "API_PULL", "FTP_PUSH":
	default:
		return fmt.Errorf("%w: %s: delivery trigger %q", ErrInvalidRegistration, r.Reference, r.DeliveryTrigger)
	}
	for _, d := range r.Subjects {
		if err := ValidateDUNS(d); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidRegistration, r.Reference, err)
		}
	}
	return nil
}

// Cursor is the acknowledged position of one registration's queue.
type Cursor struct {
	Registration       string    `json:"registration"`
	LastTransactionID  string    `json:"last_transaction_id"`
	LastAckAt          time.Time `json:"last_ack_at"`
	LastNotificationAt time.Time `json:"last_notification_at"`
	Acknowledged       int64     `json:"acknowledged"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// SinkFailure is kept for operators when a sink rejected a notification
// that was acknowledged anyway.
type SinkFailure struct {
	At             time.Time `json:"at"`
	Registration   string    `json:"registration"`
	Sink           string    `json:"sink"`
	NotificationID string    `json:"notification_id,omitempty"`
	Error          string    `json:"error"`
}
