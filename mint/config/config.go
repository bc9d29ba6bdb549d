// Package config reads the node configuration from the environment,
// optionally seeded from a .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/elnosh/paynode/paynet"
)

type Config struct {
	Host        string
	Port        int
	DBPath      string
	SignerURL   string
	NodeAddress string
	Units       []paynet.Unit
	MaxOrder    uint
	InputFeePpk uint16
}

func GetConfig() (Config, error) {
	config := Config{
		Host:     "127.0.0.1",
		Port:     3338,
		MaxOrder: 64,
		Units:    []paynet.Unit{paynet.MilliStrk},
	}

	if host := os.Getenv("NODE_HOST"); host != "" {
		config.Host = host
	}
	if portStr := os.Getenv("NODE_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return Config{}, fmt.Errorf("invalid NODE_PORT: %v", err)
		}
		config.Port = port
	}

	config.DBPath = os.Getenv("NODE_DB_PATH")
	if config.DBPath == "" {
		homedir, err := os.UserHomeDir()
		if err != nil {
			return Config{}, err
		}
		config.DBPath = homedir + "/.paynode/node"
	}
	if err := os.MkdirAll(config.DBPath, 0700); err != nil {
		return Config{}, err
	}

	config.SignerURL = os.Getenv("SIGNER_URL")
	if config.SignerURL == "" {
		return Config{}, fmt.Errorf("SIGNER_URL is required")
	}

	config.NodeAddress = os.Getenv("NODE_ADDRESS")
	if config.NodeAddress == "" {
		return Config{}, fmt.Errorf("NODE_ADDRESS is required")
	}

	if unitsStr := os.Getenv("NODE_UNITS"); unitsStr != "" {
		config.Units = nil
		for _, unitStr := range strings.Split(unitsStr, ",") {
			unit, err := paynet.UnitFromString(strings.TrimSpace(unitStr))
			if err != nil {
				return Config{}, fmt.Errorf("invalid NODE_UNITS: %v", err)
			}
			config.Units = append(config.Units, unit)
		}
	}

	if ppkStr := os.Getenv("INPUT_FEE_PPK"); ppkStr != "" {
		ppk, err := strconv.ParseUint(ppkStr, 10, 16)
		if err != nil {
			return Config{}, fmt.Errorf("invalid INPUT_FEE_PPK: %v", err)
		}
		config.InputFeePpk = uint16(ppk)
	}

	return config, nil
}

func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
