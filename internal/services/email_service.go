package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/warden/internal/models"
	pkglogger "github.com/BradenHooton/warden/pkg/logger"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
)

// Notifier tells account owners about security relevant changes
type Notifier interface {
	NotifyAccountLocked(ctx context.Context, account *models.Account, lockedAt time.Time) error
}

// sesAPI is the subset of the SES client used for sending
type sesAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// AWSSESEmailService sends notifications using AWS SES
type AWSSESEmailService struct {
	sesClient   sesAPI
	fromAddress string
	logger      *slog.Logger
}

// NewAWSSESEmailService creates a new AWS SES email service
func NewAWSSESEmailService(ctx context.Context, region, fromAddress string, logger *slog.Logger) (*AWSSESEmailService, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &AWSSESEmailService{
		sesClient:   ses.NewFromConfig(cfg),
		fromAddress: fromAddress,
		logger:      logger,
	}, nil
}

// NotifyAccountLocked emails the owner that the account was locked after
// repeated failed logins. Accounts without an address are skipped.
func (s *AWSSESEmailService) NotifyAccountLocked(ctx context.Context, account *models.Account, lockedAt time.Time) error {
	if account.Email == "" {
		return nil
	}

	when := lockedAt.UTC().Format("2006-01-02 15:04 MST")

	htmlBody := fmt.Sprintf(`
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; }
        .container { max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { background-color: #f8f9fa; padding: 20px; text-align: center; border-radius: 4px; }
        .warning { background-color: #fff3cd; padding: 10px; border-left: 4px solid #ffc107; margin: 10px 0; }
        .footer { color: #666; font-size: 12px; margin-top: 20px; padding-top: 20px; border-top: 1px solid #eee; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h1>Your account has been locked</h1>
        </div>
        <div class="warning">
            Your account was locked at %s after too many failed sign-in attempts.
        </div>
        <p>All active sessions were signed out. An administrator must unlock the account before you can sign in again.</p>
        <p><strong>Wasn't you?</strong><br>
        Someone may be trying to guess your password. Contact your administrator and choose a new password once the account is unlocked.</p>
        <div class="footer">
            <p>This is an automated message. Please do not reply to this email.</p>
        </div>
    </div>
</body>
</html>
`, when)

	textBody := fmt.Sprintf(`Your account has been locked

Your account was locked at %s after too many failed sign-in attempts.

All active sessions were signed out. An administrator must unlock the account before you can sign in again.

Wasn't you?
Someone may be trying to guess your password. Contact your administrator and choose a new password once the account is unlocked.

This is an automated message. Please do not reply to this email.
`, when)

	input := &ses.SendEmailInput{
		Source: aws.String(s.fromAddress),
		Destination: &types.Destination{
			ToAddresses: []string{account.Email},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data: aws.String("Your account has been locked"),
			},
			Body: &types.Body{
				Html: &types.Content{
					Data: aws.String(htmlBody),
				},
				Text: &types.Content{
					Data: aws.String(textBody),
				},
			},
		},
	}

	result, err := s.sesClient.SendEmail(ctx, input)
	if err != nil {
		s.logger.Error("failed to send lock notification via SES",
			slog.String("account_id", account.ID),
			slog.String("email", pkglogger.SanitizedEmail(account.Email)),
			slog.Any("error", err))
		return fmt.Errorf("failed to send email: %w", err)
	}

	s.logger.Info("lock notification sent",
		slog.String("account_id", account.ID),
		slog.String("message_id", aws.ToString(result.MessageId)))

	return nil
}

// NoopNotifier drops notifications. Used when email is disabled.
type NoopNotifier struct{}

func (NoopNotifier) NotifyAccountLocked(context.Context, *models.Account, time.Time) error {
	return nil
}
