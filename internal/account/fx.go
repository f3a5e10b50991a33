package account

import (
	"github.com/smallbiznis/leadclaim/internal/account/domain"
	"github.com/smallbiznis/leadclaim/internal/account/repository"
	"github.com/smallbiznis/leadclaim/internal/account/service"
	claimdomain "github.com/smallbiznis/leadclaim/internal/claim/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("account.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
	fx.Provide(func(s domain.Service) claimdomain.Eligibility { return s }),
)
