package twofa

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"github.com/Checker-Finance/p2p-autotrader/internal/marketplace"
)

var (
	// ErrNotConfigured is returned when the account has no TOTP seed.
	ErrNotConfigured = errors.New("twofa: no totp secret configured")
	// ErrUnsupportedAuthType is returned for 2FA methods that need a human (SMS, email).
	ErrUnsupportedAuthType = errors.New("twofa: unsupported auth type")
)

const (
	AuthGoogle = "GOOGLE"
	period     = 30 * time.Second
)

// TOTPProvider generates authenticator codes from the account's TOTP seed.
// A code is never handed out twice: if the current window's code was already
// issued, Code waits for the next window.
type TOTPProvider struct {
	logger  *zap.Logger
	creds   marketplace.CredentialSource
	account string
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	lastStep int64
}

// NewTOTPProvider builds a provider that reads the seed through creds.
func NewTOTPProvider(logger *zap.Logger, creds marketplace.CredentialSource, account string) *TOTPProvider {
	return &TOTPProvider{
		logger:   logger,
		creds:    creds,
		account:  account,
		now:      time.Now,
		sleep:    sleepCtx,
		lastStep: -1,
	}
}

// Code returns a fresh one-time code for authType.
func (p *TOTPProvider) Code(ctx context.Context, authType string) (string, error) {
	if !strings.EqualFold(authType, AuthGoogle) {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedAuthType, authType)
	}

	cr, err := p.creds.Resolve(ctx, p.account)
	if err != nil {
		return "", fmt.Errorf("resolve totp secret: %w", err)
	}
	if cr.TOTPSecret == "" {
		return "", ErrNotConfigured
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	step := now.Unix() / int64(period.Seconds())
	if step <= p.lastStep {
		wait := time.Unix((p.lastStep+1)*int64(period.Seconds()), 0).Sub(now)
		p.logger.Debug("twofa.waiting_next_window", zap.Duration("wait", wait))
		if err := p.sleep(ctx, wait); err != nil {
			return "", err
		}
		now = p.now()
		step = now.Unix() / int64(period.Seconds())
		if step <= p.lastStep {
			step = p.lastStep + 1
			now = time.Unix(step*int64(period.Seconds()), 0)
		}
	}

	code, err := totp.GenerateCodeCustom(cr.TOTPSecret, now, totp.ValidateOpts{
		Period:    uint(period.Seconds()),
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", fmt.Errorf("generate totp: %w", err)
	}
	p.lastStep = step
	return code, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
