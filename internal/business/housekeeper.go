package business

import (
	"context"
	"time"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/vault-gateway/internal/config"
	"github.com/openkcm/vault-gateway/internal/session"
	sessionvalkey "github.com/openkcm/vault-gateway/internal/session/valkey"
)

// HousekeeperMain resets stale workaround states and removes expired
// sessions until the context is cancelled.
func HousekeeperMain(ctx context.Context, cfg *config.Config) error {
	valkeyClient, err := valkeyClientFromConfig(cfg)
	if err != nil {
		return err
	}
	defer valkeyClient.Close()

	housekeeper := session.NewHousekeeper(
		sessionvalkey.NewRepository(valkeyClient, cfg.ValKey.Prefix),
		sessionvalkey.NewLocker(valkeyClient, cfg.ValKey.Prefix, cfg.Session.LockTTL),
		cfg.Session.WorkaroundTimeout,
	)

	return runHousekeeping(ctx, housekeeper, cfg.Housekeeper)
}

func runHousekeeping(ctx context.Context, housekeeper *session.Housekeeper, cfg config.Housekeeper) error {
	c := time.Tick(cfg.TriggerInterval)
	for {
		if _, err := housekeeper.Run(ctx, cfg.ConcurrencyLimit); err != nil {
			slogctx.Error(ctx, "Error during session housekeeping", "error", err)
		}

		select {
		case <-c:
			continue
		case <-ctx.Done():
			return nil
		}
	}
}
