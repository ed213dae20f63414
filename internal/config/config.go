// Package config reads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strings"
)

// passwordPlaceholder in the DSN is replaced with the secret-store
// password at startup.
const passwordPlaceholder = "${password}"

// Serve holds the configuration for the serve command.
type Serve struct {
	// BusURL is the AMQP broker URL.
	BusURL string
	// ChunkQueue carries new-chunk notifications.
	ChunkQueue string
	// StatusQueue carries chunk status events.
	StatusQueue string
	// DatabaseDSN is the chunk tracking database, possibly containing
	// the ${password} placeholder.
	DatabaseDSN string
	// PasswordSecretID names the database password in the secret store.
	// Empty means the DSN is complete as-is.
	PasswordSecretID string
	// JobServiceURL is the job-execution service launch endpoint.
	JobServiceURL string
	// TemplatePath is the staging job template/artifact reference.
	TemplatePath string
	// ServiceAccount is the identity staging jobs run as.
	ServiceAccount string
	// TempLocation is the scratch location handed to staging jobs.
	TempLocation string
	// ListenAddr is the HTTP listen address.
	ListenAddr string
	// PromoteTables are the production tables the promoter copies into.
	PromoteTables []string
}

// LoadServe reads the serve configuration. Required variables that are
// unset or empty produce an error naming the variable.
func LoadServe() (Serve, error) {
	var cfg Serve
	var err error

	if cfg.BusURL, err = Require("CHUNK_BUS_URL"); err != nil {
		return cfg, err
	}
	if cfg.DatabaseDSN, err = Require("CHUNK_DB_DSN"); err != nil {
		return cfg, err
	}
	if cfg.JobServiceURL, err = Require("CHUNK_JOB_SERVICE_URL"); err != nil {
		return cfg, err
	}
	if cfg.TemplatePath, err = Require("CHUNK_JOB_TEMPLATE_PATH"); err != nil {
		return cfg, err
	}
	if cfg.ServiceAccount, err = Require("CHUNK_JOB_SERVICE_ACCOUNT"); err != nil {
		return cfg, err
	}
	if cfg.TempLocation, err = Require("CHUNK_JOB_TEMP_LOCATION"); err != nil {
		return cfg, err
	}

	cfg.ChunkQueue = Getenv("CHUNK_NOTIFY_QUEUE", "new-chunks")
	cfg.StatusQueue = Getenv("CHUNK_STATUS_QUEUE", "chunk-status")
	cfg.ListenAddr = Getenv("CHUNK_LISTEN_ADDR", ":8080")
	cfg.PasswordSecretID = os.Getenv("CHUNK_DB_PASSWORD_SECRET")

	cfg.PromoteTables = splitTables(os.Getenv("CHUNK_PROMOTE_TABLES"))

	return cfg, nil
}

// Stage holds the configuration for the stage command. The chunk id and
// input path come from flags; everything else from the environment.
type Stage struct {
	BusURL           string
	StatusQueue      string
	DatabaseDSN      string
	PasswordSecretID string
}

// LoadStage reads the stage configuration.
func LoadStage() (Stage, error) {
	var cfg Stage
	var err error

	if cfg.BusURL, err = Require("CHUNK_BUS_URL"); err != nil {
		return cfg, err
	}
	if cfg.DatabaseDSN, err = Require("CHUNK_DB_DSN"); err != nil {
		return cfg, err
	}
	cfg.StatusQueue = Getenv("CHUNK_STATUS_QUEUE", "chunk-status")
	cfg.PasswordSecretID = os.Getenv("CHUNK_DB_PASSWORD_SECRET")
	return cfg, nil
}

// Promote holds the configuration for the one-shot promote command.
type Promote struct {
	DatabaseDSN      string
	PasswordSecretID string
	PromoteTables    []string
}

// LoadPromote reads the promote configuration.
func LoadPromote() (Promote, error) {
	var cfg Promote
	var err error

	if cfg.DatabaseDSN, err = Require("CHUNK_DB_DSN"); err != nil {
		return cfg, err
	}
	cfg.PasswordSecretID = os.Getenv("CHUNK_DB_PASSWORD_SECRET")
	cfg.PromoteTables = splitTables(os.Getenv("CHUNK_PROMOTE_TABLES"))
	return cfg, nil
}

func splitTables(s string) []string {
	var tables []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tables = append(tables, t)
		}
	}
	return tables
}

// ResolveDSN substitutes the password into the DSN's ${password}
// placeholder.
func ResolveDSN(dsn, password string) string {
	return strings.ReplaceAll(dsn, passwordPlaceholder, password)
}

// Require returns the named environment variable or an error if it is
// unset or empty.
func Require(name string) (string, error) {
	v := os.Getenv(name)
	if v == "" {
		return "", fmt.Errorf("missing required environment variable: %s", name)
	}
	return v, nil
}

// Getenv returns the named environment variable or def when unset.
func Getenv(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}
