package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/manifoldco/promptui"
)

// RunWizard runs an interactive configuration wizard, saves the result to
// path and returns it.
func RunWizard(path string) (*Config, error) {
	fmt.Println("Welcome to contentintel! Let's configure the feedback service.")
	fmt.Println()

	cfg := DefaultConfig()

	// 1. Listener.
	portPrompt := promptui.Prompt{
		Label:    "HTTP port",
		Default:  strconv.Itoa(cfg.Server.Port),
		Validate: validatePort,
	}
	portStr, err := portPrompt.Run()
	if err != nil {
		return nil, errors.Wrap(err, "port")
	}
	cfg.Server.Port, _ = strconv.Atoi(strings.TrimSpace(portStr))

	corsPrompt := promptui.Select{
		Label: "Allow cross-origin requests from any origin",
		Items: []string{"no", "yes"},
	}
	corsIdx, _, err := corsPrompt.Run()
	if err != nil {
		return nil, errors.Wrap(err, "cors selection")
	}
	cfg.Server.AllowAllOrigins = corsIdx == 1

	// 2. Storage.
	dbPrompt := promptui.Prompt{
		Label:   "SQLite database path",
		Default: cfg.Database.Path,
	}
	if cfg.Database.Path, err = dbPrompt.Run(); err != nil {
		return nil, errors.Wrap(err, "database path")
	}

	// 3. Logging.
	levelPrompt := promptui.Select{
		Label: "Log level",
		Items: []string{"info", "debug", "warn", "error", "silent"},
	}
	if _, cfg.Log.Level, err = levelPrompt.Run(); err != nil {
		return nil, errors.Wrap(err, "log level")
	}
	formatPrompt := promptui.Select{
		Label: "Log format",
		Items: []string{"text", "json"},
	}
	if _, cfg.Log.Format, err = formatPrompt.Run(); err != nil {
		return nil, errors.Wrap(err, "log format")
	}

	// 4. Token signing secret.
	if cfg.Auth.JWTSecret, err = GenerateSecret(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Save(path); err != nil {
		return nil, errors.Wrap(err, "saving config")
	}

	fmt.Printf("\nConfiguration saved to %s\n", path)
	fmt.Println("Issue an admin token with: contentintel token issue --actor <id> --role admin")
	return cfg, nil
}

// GenerateSecret returns a random hex-encoded 32-byte signing secret.
func GenerateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "generating jwt secret")
	}
	return hex.EncodeToString(buf), nil
}

func validatePort(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 || n > 65535 {
		return errors.New("port must be between 1 and 65535")
	}
	return nil
}
