package scheduler

import (
	"context"
	"time"

	"threads-scheduler/internal/config"
	"threads-scheduler/internal/logger"
	"threads-scheduler/internal/models"
	"threads-scheduler/internal/telemetry"
)

// AccountStore is the account persistence surface token maintenance needs.
type AccountStore interface {
	ListAccounts(ctx context.Context) ([]models.Account, error)
	UpdateAccountToken(ctx context.Context, id string, token string, expires time.Time) error
}

// TokenRefresher extends a long-lived token's validity.
type TokenRefresher interface {
	RefreshToken(ctx context.Context, accessToken string) (string, time.Time, error)
}

// TokenMaintenance refreshes account tokens that expire within the configured
// threshold. Each account is handled independently; one failed refresh does
// not stop the rest.
type TokenMaintenance struct {
	cfg       config.Config
	accounts  AccountStore
	refresher TokenRefresher
}

func NewTokenMaintenance(cfg config.Config, accounts AccountStore, refresher TokenRefresher) *TokenMaintenance {
	return &TokenMaintenance{cfg: cfg, accounts: accounts, refresher: refresher}
}

// RefreshExpiring refreshes every account whose token expires within the
// threshold but has not already expired. Expired tokens need a full
// re-authorization and are left for the operator.
func (m *TokenMaintenance) RefreshExpiring(ctx context.Context, now time.Time) error {
	accounts, err := m.accounts.ListAccounts(ctx)
	if err != nil {
		return err
	}

	threshold := time.Duration(m.cfg.TokenRefreshDays) * 24 * time.Hour
	for _, account := range accounts {
		if account.AccessToken == "" || account.TokenExpires == nil {
			continue
		}
		remaining := account.TokenExpires.Sub(now)
		if remaining <= 0 || remaining > threshold {
			continue
		}

		token, expires, err := m.refresher.RefreshToken(ctx, account.AccessToken)
		if err != nil {
			logger.L().Warnf("refresh token for account %s: %v", account.ID, err)
			continue
		}
		if err := m.accounts.UpdateAccountToken(ctx, account.ID, token, expires); err != nil {
			logger.L().Errorf("store refreshed token for account %s: %v", account.ID, err)
			continue
		}
		telemetry.TokensRefreshed.Inc()
		logger.L().Infof("refreshed token for account %s, valid until %s", account.ID, expires.Format(time.RFC3339))
	}
	return nil
}
