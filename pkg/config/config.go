// Package config provides centralized configuration loading and management
// for the ingestion control plane.
//
// Design Philosophy:
// This package follows a "load once, use everywhere" pattern. The Config
// struct is initialized once at process start from an INI-like file
// (spec.md §6) and passed through a context.Context for the rest of the
// run.
//
// Usage:
//
//	cfg, err := config.Load(path)
//	if err != nil {
//	    return err
//	}
//	ctx = config.WithConfig(ctx, cfg)
package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/ini.v1"
)

// PRMethod selects whether artifacts are reviewed individually or grouped
// by their originating source pull request (spec.md §4.5).
type PRMethod string

const (
	// PRMethodIndividual opens one PR per artifact.
	PRMethodIndividual PRMethod = "individual"
	// PRMethodGrouped opens one PR per (sourceRepo, sourcePR) group.
	PRMethodGrouped PRMethod = "grouped"
)

// Secrets holds credentials read from the [secrets] section. These are
// never logged.
type Secrets struct {
	AWSAccessKeyID     string `ini:"aws_access_key_id"`
	AWSSecretAccessKey string `ini:"aws_secret_access_key"`
	GithubPAT          string `ini:"github_pat"`
	SlackWebhook       string `ini:"slack_webhook"`
}

// AWS holds the [aws] section.
type AWS struct {
	StagingBucketsRaw string `ini:"staging_buckets"`
	EndpointURL       string `ini:"endpoint_url"`
	VerifyCertPath    string `ini:"verify_cert_path"`

	// StagingBuckets is StagingBucketsRaw decoded from its JSON
	// object-of-bucket-to-cvmfsRepo shape (spec.md §6).
	StagingBuckets map[string]string `ini:"-"`
}

// Paths holds the [paths] section.
type Paths struct {
	DownloadDir           string `ini:"download_dir"`
	IngestionScript       string `ini:"ingestion_script"`
	MetadataFileExtension string `ini:"metadata_file_extension"`
}

// GitHub holds the [github] section.
type GitHub struct {
	StagingRepo                    string   `ini:"staging_repo"`
	StagingPRMethod                PRMethod `ini:"staging_pr_method"`
	IndividualPRBody               string   `ini:"individual_pr_body"`
	GroupedPRBody                  string   `ini:"grouped_pr_body"`
	GroupedPRTitle                 string   `ini:"grouped_pr_title"`
	FailedIngestionIssueBody       string   `ini:"failed_ingestion_issue_body"`
	FailedTarballOverviewIssueBody string   `ini:"failed_tarball_overview_issue_body"`
	PRBody                         string   `ini:"pr_body"`
	TaskSummaryPayloadTemplate     string   `ini:"task_summary_payload_template"`
	TaskSummaryPayloadOverviewTmpl string   `ini:"task_summary_payload_overview_template"`
}

// Signatures holds the [signatures] section.
type Signatures struct {
	SignatureFileExtension      string `ini:"signature_file_extension"`
	SignaturesRequired          bool   `ini:"signatures_required"`
	SignatureVerificationScript string `ini:"signature_verification_script"`
	SignatureVerificationRunenv string `ini:"signature_verification_runenv"`
	AllowedSignersFile          string `ini:"allowed_signers_file"`
}

// CVMFS holds the [cvmfs] section.
type CVMFS struct {
	IngestAsRoot bool `ini:"ingest_as_root"`
}

// Slack holds the [slack] section.
type Slack struct {
	IngestionNotification bool   `ini:"ingestion_notification"`
	IngestionMessage      string `ini:"ingestion_message"`
}

// Logging holds the [logging] section.
type Logging struct {
	Filename  string `ini:"filename"`
	Format    string `ini:"format"`
	Level     string `ini:"level"`
	FileLevel string `ini:"file_level"`
}

// Config is the fully loaded configuration for a run.
type Config struct {
	Secrets    Secrets
	AWS        AWS
	Paths      Paths
	GitHub     GitHub
	Signatures Signatures
	CVMFS      CVMFS
	Slack      Slack
	Logging    Logging
}

// defaults mirrors the defaults spec.md §6 documents for optional keys.
func defaults() Config {
	return Config{
		Paths: Paths{MetadataFileExtension: "meta.txt"},
		GitHub: GitHub{
			StagingPRMethod: PRMethodIndividual,
		},
		Signatures: Signatures{
			SignatureFileExtension: "sig",
		},
		CVMFS: CVMFS{IngestAsRoot: true},
		Logging: Logging{
			Level:     "info",
			FileLevel: "debug",
			Format:    "text",
		},
	}
}

// Load reads and validates the INI configuration file at path, grounded on
// the teacher's config.Init "load once, validate required structure before
// returning" shape, generalized to the spec.md §6 INI layout using
// gopkg.in/ini.v1 instead of the teacher's YAML tree.
func Load(path string) (*Config, error) {
	cfg := defaults()

	file, err := ini.LoadSources(ini.LoadOptions{AllowShadows: true}, path)
	if err != nil {
		return nil, fmt.Errorf("loading config file %s: %w", path, err)
	}

	sections := []struct {
		name string
		dst  any
	}{
		{"secrets", &cfg.Secrets},
		{"aws", &cfg.AWS},
		{"paths", &cfg.Paths},
		{"github", &cfg.GitHub},
		{"signatures", &cfg.Signatures},
		{"cvmfs", &cfg.CVMFS},
		{"slack", &cfg.Slack},
		{"logging", &cfg.Logging},
	}
	for _, s := range sections {
		if !file.HasSection(s.name) {
			continue
		}
		if err := file.Section(s.name).MapTo(s.dst); err != nil {
			return nil, fmt.Errorf("parsing [%s] section: %w", s.name, err)
		}
	}

	if cfg.AWS.StagingBucketsRaw != "" {
		buckets := map[string]string{}
		if err := json.Unmarshal([]byte(cfg.AWS.StagingBucketsRaw), &buckets); err != nil {
			return nil, fmt.Errorf("parsing aws.staging_buckets as JSON: %w", err)
		}
		cfg.AWS.StagingBuckets = buckets
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validate enforces the required (*-marked) keys from spec.md §6.
func (c *Config) validate() error {
	var missing []string
	require := func(cond bool, key string) {
		if !cond {
			missing = append(missing, key)
		}
	}
	require(c.Secrets.AWSAccessKeyID != "", "secrets.aws_access_key_id")
	require(c.Secrets.AWSSecretAccessKey != "", "secrets.aws_secret_access_key")
	require(c.Secrets.GithubPAT != "", "secrets.github_pat")
	require(len(c.AWS.StagingBuckets) > 0, "aws.staging_buckets")
	require(c.Paths.DownloadDir != "", "paths.download_dir")
	require(c.Paths.IngestionScript != "", "paths.ingestion_script")
	require(c.Paths.MetadataFileExtension != "", "paths.metadata_file_extension")
	require(c.GitHub.StagingRepo != "", "github.staging_repo")
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration keys: %s", strings.Join(missing, ", "))
	}
	if c.GitHub.StagingPRMethod != PRMethodIndividual && c.GitHub.StagingPRMethod != PRMethodGrouped {
		return fmt.Errorf("github.staging_pr_method must be %q or %q, got %q", PRMethodIndividual, PRMethodGrouped, c.GitHub.StagingPRMethod)
	}
	return nil
}

// VerifyTLS interprets aws.verify_cert_path (true|false|path), per
// spec.md §4.1.
func (a AWS) VerifyTLS() (verify bool, caBundlePath string) {
	switch strings.ToLower(a.VerifyCertPath) {
	case "", "true":
		return true, ""
	case "false":
		return false, ""
	default:
		return true, a.VerifyCertPath
	}
}
