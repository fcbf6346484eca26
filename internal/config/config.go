package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

//go:embed policy.yaml
var policyYAML []byte

type Config struct {
	Database DatabaseConfig
	Camera   CameraConfig
	Engine   EngineConfig
	Location LocationConfig
	Policy   PolicyConfig
	Debug    bool
}

type DatabaseConfig struct {
	URL string
}

type CameraConfig struct {
	Device      string // v4l2 device node (default /dev/video0)
	Width       int
	Height      int
	FPS         int
	Facing      string        // only "front" is accepted for self-attendance
	InitTimeout time.Duration // time allowed for the first frame to arrive
}

type EngineConfig struct {
	Python             string // interpreter (default python3)
	Script             string // detection engine entrypoint (default python/worker.py)
	ReadTimeout        time.Duration
	DetectionThreshold float64
}

type LocationConfig struct {
	GeoIPPath string // GeoLite2-City.mmdb; enables the MaxMind locator when set
	PublicIP  string // kiosk public address looked up in the GeoIP database
	Latitude  string // fixed-site coordinates; enable the static locator when both are set
	Longitude string
}

// PolicyConfig mirrors policy.yaml. Thresholds here are the only sanctioned
// tuning path for the admission pipeline.
type PolicyConfig struct {
	Mode            string        `yaml:"mode" validate:"oneof=continuous still"`
	Warmup          Duration      `yaml:"warmup"`
	SampleEvery     int           `yaml:"sample_every" validate:"min=1"`
	QualityFloor    float64       `yaml:"quality_floor" validate:"gte=0,lt=100"`
	SpoofThreshold  float64       `yaml:"spoof_threshold" validate:"gt=0,lt=1"`
	MatchThreshold  float64       `yaml:"match_threshold" validate:"gt=0,lt=1"`
	RequireMatch    bool          `yaml:"require_match"`
	AutoConfirm     bool          `yaml:"auto_confirm"`
	CenterTolerance float64       `yaml:"center_tolerance" validate:"gte=0,lte=1"`
	FrameBudget     Duration      `yaml:"frame_budget"`
	LocationTimeout Duration      `yaml:"location_timeout"`
	Quality         QualityConfig `yaml:"quality"`
}

type QualityConfig struct {
	MinFaceRatio float64 `yaml:"min_face_ratio" validate:"gte=0,lt=1"`
	MaxFaceRatio float64 `yaml:"max_face_ratio" validate:"gte=0,lt=1"`
	MaxYaw       float64 `yaml:"max_yaw" validate:"gte=0,lte=90"`
	MaxRoll      float64 `yaml:"max_roll" validate:"gte=0,lte=90"`
}

var validate = newValidator()

// newValidator reports fields by their yaml keys so errors match the file.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Duration decodes Go duration strings ("500ms", "10s") from YAML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envFloat is envInt for positive floats.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
		return f
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

// databaseURL prefers DATABASE_URL, then builds a URL from POSTGRES_* parts,
// then falls back to a local default.
func databaseURL() string {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		name := os.Getenv("POSTGRES_DB")
		port := envString("POSTGRES_PORT", "5432")
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
	}
	return "postgres://localhost:5432/facegate"
}

// LoadPolicy decodes the embedded defaults and then, if path is non-empty, the
// override file on top of them. Keys missing from the override keep defaults.
func LoadPolicy(path string) (PolicyConfig, error) {
	var p PolicyConfig
	if err := yaml.Unmarshal(policyYAML, &p); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded policy.yaml: " + err.Error())
	}
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read policy file: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	return p, p.Validate()
}

// Validate rejects policies the controller cannot run with.
func (p PolicyConfig) Validate() error {
	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s must satisfy %s=%s, got %v", fe.Namespace(), fe.Tag(), fe.Param(), fe.Value()))
		}
		return fmt.Errorf("invalid policy: %s", strings.Join(msgs, "; "))
	}
	if p.Warmup.Duration < 0 || p.FrameBudget.Duration < 0 {
		return fmt.Errorf("invalid policy: warmup and frame_budget must not be negative")
	}
	if p.LocationTimeout.Duration <= 0 {
		return fmt.Errorf("invalid policy: location_timeout must be positive")
	}
	return nil
}

func Load() (*Config, error) {
	policy, err := LoadPolicy(os.Getenv("FACEGATE_POLICY_FILE"))
	if err != nil {
		return nil, err
	}

	return &Config{
		Database: DatabaseConfig{
			URL: databaseURL(),
		},
		Camera: CameraConfig{
			Device:      envString("FACEGATE_DEVICE", "/dev/video0"),
			Width:       envInt("FACEGATE_WIDTH", 640),
			Height:      envInt("FACEGATE_HEIGHT", 480),
			FPS:         envInt("FACEGATE_FPS", 15),
			Facing:      envString("FACEGATE_FACING", "front"),
			InitTimeout: envDuration("FACEGATE_INIT_TIMEOUT", 5*time.Second),
		},
		Engine: EngineConfig{
			Python:             envString("ENGINE_PYTHON", "python3"),
			Script:             envString("ENGINE_SCRIPT", "python/worker.py"),
			ReadTimeout:        envDuration("ENGINE_READ_TIMEOUT", 10*time.Second),
			DetectionThreshold: envFloat("ENGINE_DETECTION_THRESHOLD", 0.5),
		},
		Location: LocationConfig{
			GeoIPPath: os.Getenv("GEOIP_DB_PATH"),
			PublicIP:  os.Getenv("KIOSK_PUBLIC_IP"),
			Latitude:  os.Getenv("KIOSK_LATITUDE"),
			Longitude: os.Getenv("KIOSK_LONGITUDE"),
		},
		Policy: policy,
		Debug:  os.Getenv("FACEGATE_DEBUG") == "1",
	}, nil
}
