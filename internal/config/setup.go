package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// maxSetupAttempts bounds how often the wizard restarts on invalid input.
const maxSetupAttempts = 3

// RunSetupWizard walks the operator through the main settings, validates
// them and saves the result.
func RunSetupWizard(cfg *Config, in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)
	for attempt := 1; ; attempt++ {
		err := setupOnce(cfg, reader, out)
		if err == nil || attempt >= maxSetupAttempts {
			return err
		}
		retry := promptString(reader, out, "Would you like to try again? (yes/no)", "yes")
		if strings.ToLower(retry) != "yes" {
			return err
		}
	}
}

func setupOnce(cfg *Config, reader *bufio.Reader, out io.Writer) error {
	fmt.Fprintln(out, "╔══════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║            ticktalk - Server Setup           ║")
	fmt.Fprintln(out, "╚══════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "── Chat Listener ──")
	cfg.Server.ListenAddress = promptString(reader, out, "TCP listen address", cfg.Server.ListenAddress)
	cfg.Server.WebSocketAddress = promptString(reader, out, "WebSocket listen address (blank to disable)", cfg.Server.WebSocketAddress)
	cfg.Server.MaxClients = promptInt(reader, out, "Maximum clients (0 = unlimited)", cfg.Server.MaxClients)
	cfg.Server.AnnouncePresence = promptBool(reader, out, "Announce joins and leaves", cfg.Server.AnnouncePresence)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "── Heartbeats ──")
	cfg.Server.HeartbeatIntervalMS = promptInt(reader, out, "Heartbeat interval (ms)", cfg.Server.HeartbeatIntervalMS)
	cfg.Server.MaxHeartbeatSkip = promptInt(reader, out, "Missed heartbeats before drop", cfg.Server.MaxHeartbeatSkip)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "── Admin API ──")
	cfg.API.Enabled = promptBool(reader, out, "Enable admin API", cfg.API.Enabled)
	if cfg.API.Enabled {
		cfg.API.Port = promptInt(reader, out, "Admin API port", cfg.API.Port)
		cfg.API.Token = promptString(reader, out, "Control token (blank for none)", cfg.API.Token)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "── Telemetry ──")
	cfg.MQTT.Enabled = promptBool(reader, out, "Enable MQTT telemetry", cfg.MQTT.Enabled)
	if cfg.MQTT.Enabled {
		cfg.MQTT.BrokerURL = promptString(reader, out, "MQTT broker host", cfg.MQTT.BrokerURL)
		cfg.MQTT.Port = promptInt(reader, out, "MQTT broker port", cfg.MQTT.Port)
	}
	cfg.Audit.Enabled = promptBool(reader, out, "Keep a connection audit log", cfg.Audit.Enabled)

	result := Validate(cfg)
	if !result.IsValid() {
		fmt.Fprintln(out, "\n⚠ Configuration has errors:")
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  - [%s] %s\n", e.Field, e.Message)
		}
		return fmt.Errorf("configuration validation failed")
	}

	for _, w := range result.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}

	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintln(out)
	fmt.Fprintf(out, "✓ Configuration saved to %s\n", cfg.Path())
	return nil
}

func promptString(reader *bufio.Reader, out io.Writer, prompt string, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "  %s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Fprintf(out, "  %s: ", prompt)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

func promptInt(reader *bufio.Reader, out io.Writer, prompt string, defaultVal int) int {
	fmt.Fprintf(out, "  %s [%d]: ", prompt, defaultVal)

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}

	val, err := strconv.Atoi(input)
	if err != nil {
		fmt.Fprintf(out, "    Invalid number, using default: %d\n", defaultVal)
		return defaultVal
	}
	return val
}

func promptBool(reader *bufio.Reader, out io.Writer, prompt string, defaultVal bool) bool {
	defaultStr := "no"
	if defaultVal {
		defaultStr = "yes"
	}

	fmt.Fprintf(out, "  %s [%s]: ", prompt, defaultStr)

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(strings.ToLower(input))

	if input == "" {
		return defaultVal
	}

	return input == "yes" || input == "y" || input == "true" || input == "1"
}
