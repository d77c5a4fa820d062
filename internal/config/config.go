package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/izavyalov-dev/ci-autorevert/signal"
)

const (
	defaultRepo              = "pytorch/pytorch"
	defaultLookbackHours     = 16
	defaultNotifyIssueNumber = 163650
	defaultWorkers           = 4
	defaultClickHouseAddr    = "localhost:9440"
	defaultClickHouseDB      = "default"
	defaultListen            = ":8080"
	defaultInterval          = 5 * time.Minute
	defaultBranchRef         = "refs/heads/main"
	defaultDecisionStream    = "autorevert:decisions"
	defaultMaxRestarts       = 2
	defaultPacingWindow      = 15 * time.Minute
	defaultHUDBaseURL        = "https://hud.pytorch.org"
	defaultRevertCommand     = "@pytorchbot revert"
	defaultDisableLabel      = "autorevert: disable"
	defaultBreakerLabel      = "ci: disable-autorevert"
)

var defaultWorkflows = []string{"Lint", "trunk", "pull", "inductor", "linux-aarch64", "slow"}

// ErrDryRunConflict is returned when --dry-run is combined with actions set
// explicitly in the environment.
var ErrDryRunConflict = errors.New("conflicting options: dry run with explicit actions")

// Config is the process configuration assembled from the environment and an
// optional YAML policy file.
type Config struct {
	Run        RunConfig
	GitHub     GitHubConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
	Archive    ArchiveConfig
	Server     ServerConfig
	Policy     Policy

	DatabaseURL string `validate:"required"`
	LogLevel    string `validate:"oneof=debug info warn error"`
}

type RunConfig struct {
	Repo              string   `validate:"required,ownerrepo"`
	Workflows         []string `validate:"min=1,dive,required"`
	LookbackHours     int      `validate:"gt=0"`
	NotifyIssueNumber int      `validate:"gt=0"`
	Workers           int      `validate:"gt=0"`

	// Empty when the environment does not set them.
	RestartAction string
	RevertAction  string
}

type GitHubConfig struct {
	Token          string
	AppID          string
	InstallationID string
	PrivateKeyPath string
	BaseURL        string
	WebhookSecret  string
}

// UsesApp reports whether GitHub App credentials are configured.
func (g GitHubConfig) UsesApp() bool {
	return g.AppID != "" && g.InstallationID != ""
}

type ClickHouseConfig struct {
	Addr     []string `validate:"min=1"`
	Database string   `validate:"required"`
	Username string
	Password string
	Secure   bool
}

type RedisConfig struct {
	URL    string
	Stream string
}

type ArchiveConfig struct {
	Bucket string
	Prefix string
	Region string
}

type ServerConfig struct {
	Listen    string        `validate:"required"`
	Interval  time.Duration `validate:"gt=0"`
	BranchRef string        `validate:"required"`
}

// Policy holds tunables that rarely change between deployments.
type Policy struct {
	MaxRestarts         int           `yaml:"max_restarts" validate:"gt=0"`
	PacingWindow        time.Duration `yaml:"pacing_window" validate:"gte=0"`
	FailureBackoff      time.Duration `yaml:"failure_backoff" validate:"gte=0"`
	HUDBaseURL          string        `yaml:"hud_base_url" validate:"required,url"`
	RevertCommand       string        `yaml:"revert_command" validate:"required"`
	DisableLabel        string        `yaml:"disable_label" validate:"required"`
	CircuitBreakerLabel string        `yaml:"circuit_breaker_label" validate:"required"`
	ApprovedUsers       []string      `yaml:"circuit_breaker_approved_users"`
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxRestarts:         defaultMaxRestarts,
		PacingWindow:        defaultPacingWindow,
		HUDBaseURL:          defaultHUDBaseURL,
		RevertCommand:       defaultRevertCommand,
		DisableLabel:        defaultDisableLabel,
		CircuitBreakerLabel: defaultBreakerLabel,
	}
}

// Load reads .env (when present), the environment and the policy file named by
// AUTOREVERT_POLICY_FILE, then validates the result.
func Load() (Config, error) {
	_ = godotenv.Load(".env")

	cfg := Config{
		DatabaseURL: getEnv("DATABASE_URL", ""),
		LogLevel:    strings.ToLower(getEnv("LOG_LEVEL", "info")),
		Run: RunConfig{
			Repo:          getEnv("REPO_FULL_NAME", defaultRepo),
			Workflows:     getEnvList("WORKFLOWS", defaultWorkflows),
			RestartAction: getEnv("RESTART_ACTION", ""),
			RevertAction:  getEnv("REVERT_ACTION", ""),
		},
		GitHub: GitHubConfig{
			Token:          getEnv("GITHUB_TOKEN", ""),
			AppID:          getEnv("GITHUB_APP_ID", ""),
			InstallationID: getEnv("GITHUB_INSTALLATION_ID", ""),
			PrivateKeyPath: getEnv("GITHUB_APP_PRIVATE_KEY_PATH", ""),
			BaseURL:        getEnv("GITHUB_API_URL", ""),
			WebhookSecret:  getEnv("GITHUB_WEBHOOK_SECRET", ""),
		},
		ClickHouse: ClickHouseConfig{
			Addr:     getEnvList("CLICKHOUSE_ADDR", []string{defaultClickHouseAddr}),
			Database: getEnv("CLICKHOUSE_DATABASE", defaultClickHouseDB),
			Username: getEnv("CLICKHOUSE_USERNAME", ""),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
		},
		Redis: RedisConfig{
			URL:    getEnv("REDIS_URL", ""),
			Stream: getEnv("DECISION_STREAM", defaultDecisionStream),
		},
		Archive: ArchiveConfig{
			Bucket: getEnv("STATE_ARCHIVE_BUCKET", ""),
			Prefix: getEnv("STATE_ARCHIVE_PREFIX", ""),
			Region: getEnv("AWS_REGION", ""),
		},
		Server: ServerConfig{
			Listen:    getEnv("LISTEN_ADDR", defaultListen),
			BranchRef: getEnv("BRANCH_REF", defaultBranchRef),
		},
		Policy: DefaultPolicy(),
	}

	var err error
	if cfg.Run.LookbackHours, err = getEnvInt("HOURS", defaultLookbackHours); err != nil {
		return Config{}, err
	}
	if cfg.Run.NotifyIssueNumber, err = getEnvInt("NOTIFY_ISSUE_NUMBER", defaultNotifyIssueNumber); err != nil {
		return Config{}, err
	}
	if cfg.Run.Workers, err = getEnvInt("WORKERS", defaultWorkers); err != nil {
		return Config{}, err
	}
	if cfg.ClickHouse.Secure, err = getEnvBool("CLICKHOUSE_SECURE", true); err != nil {
		return Config{}, err
	}
	if cfg.Server.Interval, err = getEnvDuration("EVALUATION_INTERVAL", defaultInterval); err != nil {
		return Config{}, err
	}
	if users := getEnvList("CIRCUIT_BREAKER_APPROVED_USERS", nil); len(users) > 0 {
		cfg.Policy.ApprovedUsers = users
	}
	if path := getEnv("AUTOREVERT_POLICY_FILE", ""); path != "" {
		if cfg.Policy, err = LoadPolicy(path, cfg.Policy); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPolicy overlays the YAML file at path onto base.
func LoadPolicy(path string, base Policy) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy file: %w", err)
	}
	policy := base
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return Policy{}, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	return policy, nil
}

// Validate checks field constraints and action names.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s failed %q", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Run.RestartAction != "" {
		if _, err := signal.ParseRestartAction(c.Run.RestartAction); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}
	if c.Run.RevertAction != "" {
		if _, err := signal.ParseRevertAction(c.Run.RevertAction); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}
	return nil
}

// Actions resolves the restart and revert actions for one evaluation. Dry runs
// force LOG and may not be combined with explicit actions.
func (c Config) Actions(dryRun bool) (signal.RestartAction, signal.RevertAction, error) {
	explicit := c.Run.RestartAction != "" || c.Run.RevertAction != ""
	if dryRun {
		if explicit {
			return "", "", ErrDryRunConflict
		}
		return signal.RestartLog, signal.RevertLog, nil
	}
	restart, revert := signal.RestartRun, signal.RevertLog
	var err error
	if c.Run.RestartAction != "" {
		if restart, err = signal.ParseRestartAction(c.Run.RestartAction); err != nil {
			return "", "", err
		}
	}
	if c.Run.RevertAction != "" {
		if revert, err = signal.ParseRevertAction(c.Run.RevertAction); err != nil {
			return "", "", err
		}
	}
	return restart, revert, nil
}

// RunContext anchors an evaluation at ts.
func (c Config) RunContext(ts time.Time, restart signal.RestartAction, revert signal.RevertAction) signal.RunContext {
	workflows := make([]signal.WorkflowName, 0, len(c.Run.Workflows))
	for _, wf := range c.Run.Workflows {
		workflows = append(workflows, signal.WorkflowName(wf))
	}
	return signal.RunContext{
		TS:                ts.UTC(),
		NotifyIssueNumber: c.Run.NotifyIssueNumber,
		RepoFullName:      c.Run.Repo,
		Workflows:         workflows,
		LookbackHours:     c.Run.LookbackHours,
		RevertAction:      revert,
		RestartAction:     restart,
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("ownerrepo", func(fl validator.FieldLevel) bool {
		owner, repo, ok := strings.Cut(fl.Field().String(), "/")
		return ok && owner != "" && repo != "" && !strings.Contains(repo, "/")
	})
	return v
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvInt(key string, fallback int) (int, error) {
	value := getEnv(key, "")
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	value := getEnv(key, "")
	if value == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := getEnv(key, "")
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
