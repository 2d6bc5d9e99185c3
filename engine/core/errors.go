package core

import (
	"errors"
)

var (
	ErrConfigNotFound      = errors.New("configuration file not found")
	ErrInvalidConfig       = errors.New("invalid configuration")
	ErrEngineStage         = errors.New("engine is not in the expected stage")
	ErrUnknownBackend      = errors.New("unknown renderer backend")
	ErrSwapchainBooting    = errors.New("swapchain resized or recreated, booting")
	ErrUnsupportedPlatform = errors.New("platform does not support the requested backend")
	ErrUnknown             = errors.New("unknown")
)
