package migration

import (
	directorydomain "github.com/creditgate/creditgate/internal/directory/domain"
	invitedomain "github.com/creditgate/creditgate/internal/invite/domain"
	ledgerdomain "github.com/creditgate/creditgate/internal/ledger/domain"
	pricingdomain "github.com/creditgate/creditgate/internal/pricing/domain"
	registrydomain "github.com/creditgate/creditgate/internal/registry/domain"
	usagelogdomain "github.com/creditgate/creditgate/internal/usagelog/domain"
	"gorm.io/gorm"
)

// RunMigrations keeps the schema in sync on startup so the service is
// usable out of the box for local and self-hosted environments.
func RunMigrations(conn *gorm.DB) error {
	return conn.AutoMigrate(
		&directorydomain.User{},
		&invitedomain.InviteCode{},
		&ledgerdomain.Account{},
		&ledgerdomain.Transaction{},
		&pricingdomain.PricingRule{},
		&registrydomain.Model{},
		&usagelogdomain.UsageRecord{},
	)
}
