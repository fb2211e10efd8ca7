// Package config manages persistent settings for the chat controller.
// Settings are stored as JSON at os.UserConfigDir()/chatcore/config.json.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Config holds all persistent controller preferences: storage
// location and the file-engine thresholds.
type Config struct {
	DBPath              string `json:"db_path"`
	FilesDir            string `json:"files_dir"`
	ChunkSize           int64  `json:"chunk_size"`
	OfferChunks         int    `json:"offer_chunks"`
	SendChunks          int    `json:"send_chunks"`
	TotalSendChunks     int    `json:"total_send_chunks"`
	XFTPDescrPartSize   int    `json:"xftp_descr_part_size"`
	ReceiveInstant      bool   `json:"receive_instant"`
	FileHandleCacheSize int    `json:"file_handle_cache_size"`
}

// Default returns a Config populated with sensible defaults for the
// file-transfer thresholds.
func Default() Config {
	return Config{
		DBPath:              "chatcore.db",
		FilesDir:            "files",
		ChunkSize:           15780,
		OfferChunks:         15,
		SendChunks:          6,
		TotalSendChunks:     30,
		XFTPDescrPartSize:   14000,
		ReceiveInstant:      true,
		FileHandleCacheSize: 64,
	}
}

// Path returns the absolute path to the config file.
func Path() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "chatcore", "config.json"), nil
}

// Load reads the config file and returns it. If the file is missing or
// unreadable, the default config is returned, never an error.
func Load() Config {
	path, err := Path()
	if err != nil {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Default()
	}
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Default()
	}
	return cfg
}

// Save writes cfg to disk, creating the directory if needed.
func Save(cfg Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
