package services

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/mail"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/lumenbank/lumen/internal/models"
	"github.com/lumenbank/lumen/pkg/crypto"
	apperrors "github.com/lumenbank/lumen/pkg/errors"
	"github.com/lumenbank/lumen/pkg/logger"
	mailpkg "github.com/lumenbank/lumen/pkg/mail"
	"github.com/lumenbank/lumen/pkg/metrics"
)

const (
	defaultOTPExpiry      = 10 * time.Minute
	defaultOTPMaxAttempts = 5
	defaultOTPCodeLength  = 6
)

// ClientContext carries request-level details into audit records.
type ClientContext struct {
	IPAddress string
	UserAgent string
}

// IssueReceipt is returned by Issue for every accepted request. The body is
// identical whether or not the address matched an account, so a caller cannot
// probe the customer base through this endpoint.
type IssueReceipt struct {
	ExpiresIn time.Duration
}

// VerifyResult reports a successful code verification.
type VerifyResult struct {
	SubjectID string
}

// OTPOption customises the OTPService.
type OTPOption func(*OTPService)

// WithOTPClock injects a custom time source.
func WithOTPClock(clock func() time.Time) OTPOption {
	return func(s *OTPService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithOTPExpiry overrides the code validity window.
func WithOTPExpiry(d time.Duration) OTPOption {
	return func(s *OTPService) {
		if d > 0 {
			s.expiry = d
		}
	}
}

// WithOTPMaxAttempts overrides the verification attempt ceiling.
func WithOTPMaxAttempts(n int) OTPOption {
	return func(s *OTPService) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithOTPCodeLength overrides the number of digits in issued codes.
func WithOTPCodeLength(n int) OTPOption {
	return func(s *OTPService) {
		if n > 0 {
			s.codeLength = n
		}
	}
}

// WithOTPEnabledFunc injects the process-wide switch provider. The service
// never mutates the switch; it only reads it at decision time.
func WithOTPEnabledFunc(enabled func(ctx context.Context) bool) OTPOption {
	return func(s *OTPService) {
		if enabled != nil {
			s.enabled = enabled
		}
	}
}

// OTPService issues and verifies emailed one-time passcodes. It owns the
// code records; the login flow consumes its results but never touches the
// table directly.
type OTPService struct {
	db          *gorm.DB
	mailer      mailpkg.Mailer
	audit       *AuditService
	expiry      time.Duration
	maxAttempts int
	codeLength  int
	enabled     func(ctx context.Context) bool
	now         func() time.Time
	log         *zap.Logger
}

// NewOTPService constructs the OTP service. The mailer and audit sink are
// optional; a nil mailer skips delivery and a nil audit sink skips trail
// entries, both without failing the flows.
func NewOTPService(db *gorm.DB, mailer mailpkg.Mailer, audit *AuditService, opts ...OTPOption) (*OTPService, error) {
	if db == nil {
		return nil, errors.New("otp service: db is required")
	}

	service := &OTPService{
		db:          db,
		mailer:      mailer,
		audit:       audit,
		expiry:      defaultOTPExpiry,
		maxAttempts: defaultOTPMaxAttempts,
		codeLength:  defaultOTPCodeLength,
		enabled:     func(context.Context) bool { return true },
		now:         time.Now,
		log:         logger.WithModule("otp"),
	}

	for _, opt := range opts {
		opt(service)
	}

	return service, nil
}

// Expiry reports the configured validity window for issued codes.
func (s *OTPService) Expiry() time.Duration {
	return s.expiry
}

// Eligible reports whether the subject would be challenged with a code.
func (s *OTPService) Eligible(ctx context.Context, user *models.User) bool {
	return user != nil && user.IsActive && user.OTPEnabled && s.enabled(ctx)
}

// Issue generates a fresh code for the subject behind the email address,
// stores it, and hands it to the delivery gateway. The receipt is built in
// one place and returned for real and unknown addresses alike.
func (s *OTPService) Issue(ctx context.Context, email string, client ClientContext) (*IssueReceipt, error) {
	ctx = ensureContext(ctx)
	email = normalizeEmail(email)

	if _, err := mail.ParseAddress(email); err != nil {
		return nil, apperrors.NewBadRequest("a valid email address is required")
	}

	receipt := &IssueReceipt{ExpiresIn: s.expiry}

	var user models.User
	err := s.db.WithContext(ctx).Where("email = ?", email).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		metrics.OTPIssued.WithLabelValues("unknown_subject").Inc()
		s.auditLog(ctx, AuditEntry{
			Email:     email,
			Action:    "otp.issue",
			Result:    "unknown_subject",
			IPAddress: client.IPAddress,
			UserAgent: client.UserAgent,
		})
		return receipt, nil
	}
	if err != nil {
		metrics.OTPIssued.WithLabelValues("error").Inc()
		return nil, apperrors.Wrap(err, "look up subject")
	}

	if !s.Eligible(ctx, &user) {
		metrics.OTPIssued.WithLabelValues("not_eligible").Inc()
		s.auditLog(ctx, AuditEntry{
			UserID:    &user.ID,
			Email:     email,
			Action:    "otp.issue",
			Result:    "not_eligible",
			IPAddress: client.IPAddress,
			UserAgent: client.UserAgent,
		})
		return nil, apperrors.ErrOTPNotEligible
	}

	now := s.now()

	// A fresh code supersedes anything still outstanding for the subject.
	if err := s.db.WithContext(ctx).
		Model(&models.OTPCode{}).
		Where("user_id = ? AND used = ?", user.ID, false).
		Update("used", true).Error; err != nil {
		metrics.OTPIssued.WithLabelValues("error").Inc()
		return nil, apperrors.Wrap(err, "supersede outstanding codes")
	}

	record := models.OTPCode{
		UserID:    user.ID,
		Email:     user.Email,
		Code:      crypto.GenerateNumericCode(s.codeLength),
		IssuedAt:  now,
		ExpiresAt: now.Add(s.expiry),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		metrics.OTPIssued.WithLabelValues("error").Inc()
		return nil, apperrors.Wrap(err, "store verification code")
	}

	s.deliver(ctx, &user, &record, client)

	metrics.OTPIssued.WithLabelValues("sent").Inc()
	s.auditLog(ctx, AuditEntry{
		UserID:    &user.ID,
		Email:     email,
		Action:    "otp.issue",
		Result:    "sent",
		IPAddress: client.IPAddress,
		UserAgent: client.UserAgent,
		Metadata:  map[string]any{"expires_at": record.ExpiresAt},
	})

	return receipt, nil
}

// Verify checks the submitted code against the latest outstanding record for
// the subject. Every terminal outcome consumes the record; only a mismatch
// below the attempt ceiling leaves it retryable.
func (s *OTPService) Verify(ctx context.Context, email, code string, client ClientContext) (*VerifyResult, error) {
	ctx = ensureContext(ctx)
	email = normalizeEmail(email)

	if !s.validCodeFormat(code) {
		return nil, apperrors.NewBadRequest(fmt.Sprintf("verification code must be exactly %d digits", s.codeLength))
	}

	var user models.User
	err := s.db.WithContext(ctx).Where("email = ?", email).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, s.verifyFailure(ctx, nil, email, "invalid", client, apperrors.ErrOTPInvalid)
	}
	if err != nil {
		metrics.OTPVerified.WithLabelValues("error").Inc()
		return nil, apperrors.Wrap(err, "look up subject")
	}

	if !s.Eligible(ctx, &user) {
		return nil, s.verifyFailure(ctx, &user, email, "not_eligible", client, apperrors.ErrOTPNotEligible)
	}

	var record models.OTPCode
	err = s.db.WithContext(ctx).
		Where("user_id = ? AND used = ?", user.ID, false).
		Order("issued_at DESC").
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, s.verifyFailure(ctx, &user, email, "invalid", client, apperrors.ErrOTPInvalid)
	}
	if err != nil {
		metrics.OTPVerified.WithLabelValues("error").Inc()
		return nil, apperrors.Wrap(err, "load verification code")
	}

	now := s.now()

	if record.ExpiredAt(now) {
		s.consume(ctx, record.ID)
		return nil, s.verifyFailure(ctx, &user, email, "expired", client, apperrors.ErrOTPExpired)
	}

	if record.Attempts >= s.maxAttempts {
		s.consume(ctx, record.ID)
		return nil, s.verifyFailure(ctx, &user, email, "attempts_exceeded", client, apperrors.ErrOTPAttemptsExceeded)
	}

	if subtle.ConstantTimeCompare([]byte(record.Code), []byte(code)) != 1 {
		attempts, err := s.recordMismatch(ctx, &record)
		if err != nil {
			metrics.OTPVerified.WithLabelValues("error").Inc()
			return nil, apperrors.Wrap(err, "record failed attempt")
		}
		if attempts < 0 {
			// Another request consumed the record first.
			return nil, s.verifyFailure(ctx, &user, email, "invalid", client, apperrors.ErrOTPInvalid)
		}
		if attempts >= s.maxAttempts {
			s.consume(ctx, record.ID)
			return nil, s.verifyFailure(ctx, &user, email, "attempts_exceeded", client, apperrors.ErrOTPAttemptsExceeded)
		}
		remaining := s.maxAttempts - attempts
		appErr := apperrors.ErrOTPInvalid.WithField("remaining_attempts", remaining)
		return nil, s.verifyFailure(ctx, &user, email, "invalid", client, appErr)
	}

	// Consume conditionally so two racing requests cannot both succeed.
	res := s.db.WithContext(ctx).
		Model(&models.OTPCode{}).
		Where("id = ? AND used = ?", record.ID, false).
		Update("used", true)
	if res.Error != nil {
		metrics.OTPVerified.WithLabelValues("error").Inc()
		return nil, apperrors.Wrap(res.Error, "consume verification code")
	}
	if res.RowsAffected == 0 {
		return nil, s.verifyFailure(ctx, &user, email, "invalid", client, apperrors.ErrOTPInvalid)
	}

	metrics.OTPVerified.WithLabelValues("verified").Inc()
	s.auditLog(ctx, AuditEntry{
		UserID:    &user.ID,
		Email:     email,
		Action:    "otp.verify",
		Result:    "verified",
		IPAddress: client.IPAddress,
		UserAgent: client.UserAgent,
	})

	return &VerifyResult{SubjectID: user.ID}, nil
}

func (s *OTPService) validCodeFormat(code string) bool {
	if len(code) != s.codeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}

// recordMismatch bumps the attempt counter in a single conditional statement.
// It returns the counter after the increment, or -1 when the record was
// consumed concurrently.
func (s *OTPService) recordMismatch(ctx context.Context, record *models.OTPCode) (int, error) {
	res := s.db.WithContext(ctx).
		Model(&models.OTPCode{}).
		Where("id = ? AND used = ?", record.ID, false).
		UpdateColumn("attempts", gorm.Expr("attempts + ?", 1))
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return -1, nil
	}

	var attempts int
	if err := s.db.WithContext(ctx).
		Model(&models.OTPCode{}).
		Where("id = ?", record.ID).
		Pluck("attempts", &attempts).Error; err != nil {
		return 0, err
	}
	return attempts, nil
}

func (s *OTPService) consume(ctx context.Context, id string) {
	if err := s.db.WithContext(ctx).
		Model(&models.OTPCode{}).
		Where("id = ? AND used = ?", id, false).
		Update("used", true).Error; err != nil {
		s.log.Warn("failed to consume verification code", zap.String("otp_id", id), zap.Error(err))
	}
}

func (s *OTPService) verifyFailure(ctx context.Context, user *models.User, email, result string, client ClientContext, appErr *apperrors.AppError) error {
	metrics.OTPVerified.WithLabelValues(result).Inc()

	entry := AuditEntry{
		Email:     email,
		Action:    "otp.verify",
		Result:    result,
		IPAddress: client.IPAddress,
		UserAgent: client.UserAgent,
	}
	if user != nil {
		entry.UserID = &user.ID
	}
	s.auditLog(ctx, entry)

	return appErr
}

// deliver hands the code to the mailer. Failures are logged and audited but
// never surface to the caller; the record stays valid so support can resend
// through another channel.
func (s *OTPService) deliver(ctx context.Context, user *models.User, record *models.OTPCode, client ClientContext) {
	if s.mailer == nil {
		return
	}

	msg := mailpkg.Message{
		To:      []string{record.Email},
		Subject: "Your Lumen Bank verification code",
		Body: fmt.Sprintf(
			"Your Lumen Bank verification code is %s.\n\nIt expires in %d minutes. If you did not request this code, please contact support.\n",
			record.Code, int(s.expiry.Minutes()),
		),
	}

	err := s.mailer.Send(ctx, msg)
	if err == nil || errors.Is(err, mailpkg.ErrDeliveryDisabled) {
		return
	}

	metrics.OTPDeliveryFailures.Inc()
	s.log.Error("verification code delivery failed",
		zap.String("user_id", user.ID),
		zap.Error(err),
	)
	s.auditLog(ctx, AuditEntry{
		UserID:    &user.ID,
		Email:     record.Email,
		Action:    "otp.delivery",
		Result:    "failure",
		IPAddress: client.IPAddress,
		UserAgent: client.UserAgent,
		Metadata:  map[string]any{"error": err.Error()},
	})
}

func (s *OTPService) auditLog(ctx context.Context, entry AuditEntry) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, entry); err != nil {
		s.log.Warn("failed to write audit entry",
			zap.String("action", entry.Action),
			zap.String("result", entry.Result),
			zap.Error(err),
		)
	}
}
