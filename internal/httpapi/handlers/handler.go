package handlers

import (
	"gorm.io/gorm"

	"github.com/quantumaikr/exlm-app/internal/config"
	"github.com/quantumaikr/exlm-app/internal/notify"
	"github.com/quantumaikr/exlm-app/internal/training"
)

type Handler struct {
	DB          *gorm.DB
	Cfg         config.Config
	TrainingSvc *training.Service
	Hub         *notify.Hub
}

func NewHandler(db *gorm.DB, cfg config.Config, svc *training.Service, hub *notify.Hub) *Handler {
	return &Handler{DB: db, Cfg: cfg, TrainingSvc: svc, Hub: hub}
}
