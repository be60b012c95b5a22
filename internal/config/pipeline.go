// Pipeline configuration re-exports.
//
// DESIGN: Each stage defines its configuration next to its implementation.
// This file re-exports those types for use by the root Config struct without
// circular imports.
package config

import (
	"github.com/compresr/role-splitter/internal/capture"
	"github.com/compresr/role-splitter/internal/delivery"
	"github.com/compresr/role-splitter/internal/direct"
	"github.com/compresr/role-splitter/internal/endpoint"
	"github.com/compresr/role-splitter/internal/enrich"
	"github.com/compresr/role-splitter/internal/prompt"
)

// =============================================================================
// RE-EXPORTS
// =============================================================================

// InterceptConfig - re-exported from prompt package.
type InterceptConfig = prompt.Config

// EndpointSettings - re-exported from endpoint package.
type EndpointSettings = endpoint.Settings

// EnrichDefaults - re-exported from enrich package.
type EnrichDefaults = enrich.Defaults

// DeliveryConfig - re-exported from delivery package.
type DeliveryConfig = delivery.Config

// DirectConfig - re-exported from direct package.
type DirectConfig = direct.Config

// CaptureConfig - re-exported from capture package.
type CaptureConfig = capture.Config
