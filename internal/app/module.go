package app

import (
	"time"

	"go.uber.org/fx"

	"github.com/meridianpress/entitlements/internal/app/api/server"
	"github.com/meridianpress/entitlements/internal/app/service/entitlement"
	"github.com/meridianpress/entitlements/internal/app/service/notification"
	"github.com/meridianpress/entitlements/internal/app/service/paymentevents"
	"github.com/meridianpress/entitlements/internal/app/service/reconcile"
	"github.com/meridianpress/entitlements/internal/app/service/statistics"
	"github.com/meridianpress/entitlements/internal/platform/db"
	"github.com/meridianpress/entitlements/pkg/config"
	"github.com/meridianpress/entitlements/pkg/logger"
)

const (
	DefaultStartTimeout = 15 * time.Second
	DefaultStopTimeout  = 10 * time.Second
)

var Module = fx.Options(
	logger.Module,
	config.Module,
	db.Module,
	server.Module,
	entitlement.Module,
	notification.Module,
	reconcile.Module,
	paymentevents.Module,
	statistics.Module,
)
