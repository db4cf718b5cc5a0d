package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/sessionbus/internal/config"
)

// runtimeInfo is written to <data_dir>/runtime.json while the hub runs so
// clients can find it without knowing the configured port.
type runtimeInfo struct {
	Port      int       `json:"port"`
	BaseURL   string    `json:"base_url"`
	UpdatedAt time.Time `json:"updated_at"`
}

func runtimeFilePath(dataDir string) string {
	return filepath.Join(dataDir, "runtime.json")
}

func writeRuntimeFile(path string, info runtimeInfo) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readRuntimeFile(path string) (runtimeInfo, error) {
	var info runtimeInfo
	data, err := os.ReadFile(path)
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, fmt.Errorf("parsing %s: %w", path, err)
	}
	return info, nil
}

// resolveBaseURL prefers the running hub's runtime file and falls back
// to the configured address.
func resolveBaseURL(cfg config.Config) string {
	if info, err := readRuntimeFile(runtimeFilePath(cfg.Storage.DataDir)); err == nil && info.BaseURL != "" {
		return strings.TrimRight(info.BaseURL, "/")
	}
	return cfg.Server.BaseURL()
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "sessionbus.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}
