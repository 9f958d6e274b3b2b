package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"dps-allocation-webhook/allocator"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/util/sets"
)

type Config struct {
	HTTPPort      int
	LogLevel      string
	PayloadPolicy string
	PayloadFile   string
	// nil means a runtime-seeded generator
	RandomSeed  *uint64
	TraceStdout bool

	// Optional Pub/Sub bridge; empty values disable the corresponding side
	Subscription    string
	PubsubTopic     string
	GoogleProjectID string
	CredentialsFile string
}

func Load() *Config {
	cfg := &Config{
		HTTPPort:        getEnvInt("ALLOCATOR_HTTP_PORT", getEnvInt("ALLOCATOR_METRICS_PORT", 8080)),
		LogLevel:        strings.TrimSpace(getEnv("ALLOCATOR_LOG_LEVEL", "info")),
		PayloadPolicy:   strings.ToLower(strings.TrimSpace(getEnv("ALLOCATOR_PAYLOAD_POLICY", allocator.PolicyExample))),
		PayloadFile:     strings.TrimSpace(getEnv("ALLOCATOR_PAYLOAD_FILE", "")),
		RandomSeed:      getEnvUint64Ptr("ALLOCATOR_RANDOM_SEED"),
		TraceStdout:     getEnvBool("ALLOCATOR_TRACE_STDOUT", false),
		Subscription:    strings.TrimSpace(getEnv("ALLOCATION_REQUEST_SUBSCRIPTION", os.Getenv("ALLOCATOR_PUBSUB_SUBSCRIPTION"))),
		PubsubTopic:     strings.TrimSpace(getEnv("ALLOCATION_RESULT_TOPIC", os.Getenv("ALLOCATOR_PUBSUB_TOPIC"))),
		CredentialsFile: strings.TrimSpace(firstNonEmpty(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"), os.Getenv("ALLOCATOR_GSA_CREDENTIALS"))),
	}

	if cfg.PubSubEnabled() {
		cfg.GoogleProjectID = getGoogleProjectID(cfg.CredentialsFile, strings.TrimSpace(getEnv("ALLOCATOR_PUBSUB_PROJECT_ID", "")))
		if cfg.GoogleProjectID == "" {
			log.Warn().Msg("Google project ID not resolved; set GOOGLE_APPLICATION_CREDENTIALS or GOOGLE_PROJECT_ID or ALLOCATOR_PUBSUB_PROJECT_ID")
		}
	}
	return cfg
}

// PubSubEnabled reports whether either side of the Pub/Sub bridge is configured.
func (c *Config) PubSubEnabled() bool {
	return c.Subscription != "" || c.PubsubTopic != ""
}

// Validate checks the settings that would otherwise fail at the first request.
func (c *Config) Validate() error {
	var errs []error
	if !sets.New(allocator.PolicyNames()...).Has(c.PayloadPolicy) {
		errs = append(errs, fmt.Errorf("%w: %q (want one of %s)", allocator.ErrUnknownPolicy, c.PayloadPolicy, strings.Join(sets.List(sets.New(allocator.PolicyNames()...)), ", ")))
	}
	if c.PayloadPolicy == allocator.PolicyStatic && c.PayloadFile == "" {
		errs = append(errs, errors.New("static payload policy requires ALLOCATOR_PAYLOAD_FILE"))
	}
	if c.Subscription != "" && c.PubsubTopic == "" {
		errs = append(errs, errors.New("request subscription set without a result topic; set ALLOCATION_RESULT_TOPIC or ALLOCATOR_PUBSUB_TOPIC"))
	}
	if c.PubSubEnabled() && c.GoogleProjectID == "" {
		errs = append(errs, errors.New("pubsub configured but Google project id is missing"))
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid http port %d", c.HTTPPort))
	}
	return errors.Join(errs...)
}

func (c *Config) HTTPAddr() string {
	return net.JoinHostPort("0.0.0.0", strconv.Itoa(c.HTTPPort))
}

// Redacted returns a view safe for logging
func (c *Config) Redacted() map[string]any {
	return map[string]any{
		"httpPort":            c.HTTPPort,
		"logLevel":            c.LogLevel,
		"payloadPolicy":       c.PayloadPolicy,
		"payloadFile":         c.PayloadFile,
		"seeded":              c.RandomSeed != nil,
		"traceStdout":         c.TraceStdout,
		"projectID":           c.GoogleProjectID,
		"requestSubscription": c.Subscription,
		"resultTopic":         c.PubsubTopic,
		"credentialsProvided": c.CredentialsFile != "",
	}
}

// PayloadPolicyFor builds the configured payload policy, loading the payload file when set.
func (c *Config) PayloadPolicyFor() (allocator.PayloadPolicy, error) {
	var static allocator.Payload
	if c.PayloadFile != "" {
		p, err := LoadPayloadFile(c.PayloadFile)
		if err != nil {
			return nil, err
		}
		static = p
	}
	return allocator.PolicyByName(c.PayloadPolicy, static)
}

// LoadPayloadFile reads a YAML or JSON document whose top level must be a mapping.
func LoadPayloadFile(path string) (allocator.Payload, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read payload file: %w", err)
	}
	var p map[string]any
	if err := yaml.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("payload file %s must contain a mapping: %w", path, err)
	}
	if p == nil {
		return nil, fmt.Errorf("payload file %s is empty", path)
	}
	// yaml allows non-string nested keys and .nan; neither survives the response encoder
	if _, err := json.Marshal(p); err != nil {
		return nil, fmt.Errorf("payload file %s is not JSON-encodable: %w", path, err)
	}
	return allocator.Payload(p), nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		iv, err := strconv.Atoi(v)
		if err == nil {
			return iv
		}
		log.Warn().Str("key", key).Str("value", v).Msg("invalid int in environment; using default")
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
		log.Warn().Str("key", key).Str("value", v).Msg("invalid bool in environment; using default")
	}
	return def
}

func getEnvUint64Ptr(key string) *uint64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	u, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("invalid seed in environment; using runtime seed")
		return nil
	}
	return &u
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func projectIDFromCredentials(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	var x struct {
		ProjectID string `json:"project_id"`
	}
	// Non-service-account credential files have no project_id
	_ = json.Unmarshal(b, &x)
	return x.ProjectID, nil
}

func getGoogleProjectID(credsFile string, explicit string) string {
	// 1) Prefer GOOGLE_APPLICATION_CREDENTIALS if set
	if p := strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")); p != "" {
		log.Info().Str("credsFile", p).Msg("GOOGLE_APPLICATION_CREDENTIALS is set; extracting project_id from credentials file")
		if pid, err := projectIDFromCredentials(p); err == nil && pid != "" {
			return strings.TrimSpace(pid)
		}
		log.Warn().Str("credsFile", p).Msg("project_id not found in credentials file or unreadable")
	}

	// 2) Explicit override from allocator env
	if explicit := strings.TrimSpace(explicit); explicit != "" {
		log.Info().Str("projectID", explicit).Msg("using ALLOCATOR_PUBSUB_PROJECT_ID for Google project")
		return explicit
	}

	// 3) Deployment override
	if v := strings.TrimSpace(os.Getenv("GOOGLE_PROJECT_ID")); v != "" {
		log.Info().Str("projectID", v).Msg("using GOOGLE_PROJECT_ID from environment")
		return v
	}

	// 4) Common Google envs
	if v := firstNonEmpty(os.Getenv("GOOGLE_CLOUD_PROJECT"), os.Getenv("GCLOUD_PROJECT"), os.Getenv("GCP_PROJECT")); strings.TrimSpace(v) != "" {
		v = strings.TrimSpace(v)
		log.Info().Str("projectID", v).Msg("using Google project from common environment variables")
		return v
	}

	// 5) Fallback to provided credentials file path (ALLOCATOR_GSA_CREDENTIALS)
	if p := strings.TrimSpace(credsFile); p != "" {
		if pid, err := projectIDFromCredentials(p); err == nil && pid != "" {
			log.Info().Str("credsFile", p).Msg("using project_id from provided credentials file")
			return strings.TrimSpace(pid)
		}
	}
	return ""
}
