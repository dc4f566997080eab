package handlers

import (
	"turnbot/internal/service"
)

// Handler - read-only HTTP API поверх реестра игр
type Handler struct {
	Registry *service.GameRegistry
	Version  string
}

func NewHandler(registry *service.GameRegistry, version string) *Handler {
	return &Handler{Registry: registry, Version: version}
}
