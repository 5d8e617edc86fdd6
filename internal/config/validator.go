package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate checks the configuration for values the server cannot run with.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	validateServer(&cfg.Server, result)
	validateIdentity(&cfg.Identity, result)
	validateAPI(&cfg.API, result)
	validateMQTT(&cfg.MQTT, result)
	validateAudit(&cfg.Audit, result)

	return result
}

func validateServer(s *ServerConfig, result *ValidationResult) {
	validateAddress(s.ListenAddress, "server.listen_address", result)
	if s.WebSocketAddress != "" {
		validateAddress(s.WebSocketAddress, "server.websocket_address", result)
		if s.WebSocketAddress == s.ListenAddress {
			result.AddError("server.websocket_address", "must differ from listen_address")
		}
	}

	if s.MaxClients < 0 {
		result.AddError("server.max_clients", "must be 0 (unlimited) or positive")
	}
	if s.AcceptQueueSize < 1 {
		result.AddError("server.accept_queue_size", "must be at least 1")
	}
	if s.TickIntervalMS < 1 {
		result.AddError("server.tick_interval_ms", "must be at least 1")
	}
	if s.TickBudgetMS < s.TickIntervalMS {
		result.AddWarning("server.tick_budget_ms", "budget shorter than the tick interval reports every tick as long")
	}
	if s.HeartbeatIntervalMS < 1 {
		result.AddError("server.heartbeat_interval_ms", "must be at least 1")
	} else if s.HeartbeatIntervalMS < 10*s.TickIntervalMS {
		result.AddWarning("server.heartbeat_interval_ms", "heartbeat interval is close to the tick interval")
	}
	if s.MaxHeartbeatSkip < 1 {
		result.AddError("server.max_heartbeat_skip", "must be at least 1")
	}
	if s.WriteTimeoutMS < 1 {
		result.AddWarning("server.write_timeout_ms", "writes have no deadline, a stalled client is only dropped once its write queue fills")
	}
	if s.ReadQueueDepth < 1 {
		result.AddError("server.read_queue_depth", "must be at least 1")
	}
	if s.WriteQueueDepth < 1 {
		result.AddError("server.write_queue_depth", "must be at least 1")
	}
	if s.RegistrationTimeoutMS < 0 {
		result.AddError("server.registration_timeout_ms", "must be 0 (disabled) or positive")
	} else if s.RegistrationTimeoutMS == 0 {
		result.AddWarning("server.registration_timeout_ms", "unregistered connections never expire and can exhaust max_clients")
	}
}

func validateIdentity(id *IdentityConfig, result *ValidationResult) {
	if id.ReservedFloor < 2 {
		result.AddError("identity.reserved_floor", "must leave room for client ids")
	}
	if id.ReservedFloor > 0xE0000000 {
		result.AddError("identity.reserved_floor",
			fmt.Sprintf("must not exceed %#x so server notices stay reserved", uint32(0xE0000000)))
	}
	if id.ReservedFloor < 1<<16 {
		result.AddWarning("identity.reserved_floor", "small id space makes id collisions likely")
	}
}

func validateAPI(a *APIConfig, result *ValidationResult) {
	if !a.Enabled {
		return
	}
	validatePort(a.Port, "api.port", result)
	if a.RateLimitRPS < 1 {
		result.AddWarning("api.rate_limit_rps", "rate limit is disabled (0 RPS), this may expose the API to abuse")
	}
	if a.TLSEnabled && (strings.TrimSpace(a.TLSCertFile) == "" || strings.TrimSpace(a.TLSKeyFile) == "") {
		result.AddError("api.tls_cert_file", "TLS certificate and key paths are required when TLS is enabled")
	}
	if a.Token == "" && a.Address != "127.0.0.1" && a.Address != "localhost" {
		result.AddWarning("api.token", "control routes are reachable without a token on a non-loopback address")
	}
}

func validateMQTT(m *MQTTConfig, result *ValidationResult) {
	if !m.Enabled {
		return
	}
	if strings.TrimSpace(m.BrokerURL) == "" {
		result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
	}
	if m.Port < 1 || m.Port > 65535 {
		result.AddError("mqtt.port", "invalid MQTT port")
	}
	if (m.CertFile == "") != (m.KeyFile == "") {
		result.AddError("mqtt.cert_file", "cert_file and key_file must be set together")
	}
}

func validateAudit(a *AuditConfig, result *ValidationResult) {
	if !a.Enabled {
		return
	}
	if strings.TrimSpace(a.Path) == "" {
		result.AddError("audit.path", "database path is required when enabled")
	}
	if a.RetentionDays < 1 {
		result.AddError("audit.retention_days", "retention days must be at least 1")
	}
	if _, err := time.Parse("15:04", a.CleanupTime); err != nil {
		result.AddError("audit.cleanup_time", fmt.Sprintf("invalid HH:MM time %q", a.CleanupTime))
	}
}

func validateAddress(addr, field string, result *ValidationResult) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		result.AddError(field, fmt.Sprintf("invalid address %q: %v", addr, err))
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		result.AddError(field, fmt.Sprintf("invalid port %q", portStr))
		return
	}
	// Port 0 asks the OS for a free port.
	if port != 0 {
		validatePort(port, field, result)
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}
