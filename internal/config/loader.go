package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/tutorvox/internal/fault"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":        {"assemblyai", "deepgram"},
	"generation": {"gemini-live", "genai"},
	"vad":        {"energy"},
}

// envRef matches ${NAME} and ${NAME:-default}. The bare $NAME form is not
// expanded so that secrets containing '$' survive untouched.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnv replaces ${NAME} references in b with environment values.
// Unset variables expand to the default after ":-", or to "".
func ExpandEnv(b []byte) []byte {
	return envRef.ReplaceAllFunc(b, func(m []byte) []byte {
		sub := envRef.FindSubmatch(m)
		if v, ok := os.LookupEnv(string(sub[1])); ok {
			return []byte(v)
		}
		return sub[2]
	})
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader expands environment references, decodes a YAML config from
// r, applies defaults and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	cfg := Config{}
	dec := yaml.NewDecoder(bytes.NewReader(ExpandEnv(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg = cfg.WithDefaults()
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	errs = append(errs, validateEntry("providers.stt", "stt", cfg.Providers.STT, true)...)
	for i, e := range cfg.Providers.STTFallbacks {
		errs = append(errs, validateEntry(fmt.Sprintf("providers.stt_fallbacks[%d]", i), "stt", e, true)...)
	}
	errs = append(errs, validateEntry("providers.generation", "generation", cfg.Providers.Generation, true)...)
	for i, e := range cfg.Providers.GenerationFallbacks {
		errs = append(errs, validateEntry(fmt.Sprintf("providers.generation_fallbacks[%d]", i), "generation", e, true)...)
	}
	validateProviderName("vad", cfg.Providers.VAD.Name)
	if cfg.Providers.VAD.Name == "" {
		slog.Warn("providers.vad is not configured; barge-in and speech-end segmenting are disabled")
	}

	// Pipeline
	p := cfg.Pipeline
	if p.HandshakeTimeout < 0 || p.KeepAliveInterval < 0 || p.PlaybackLead < 0 || p.MaxSegment < 0 {
		errs = append(errs, errors.New("pipeline durations must not be negative"))
	}
	if p.RingSize < 0 {
		errs = append(errs, fmt.Errorf("pipeline.ring_size %d must not be negative", p.RingSize))
	}
	if p.ReadLimit < 0 {
		errs = append(errs, fmt.Errorf("pipeline.read_limit %d must not be negative", p.ReadLimit))
	}
	if v := p.VAD; v.RMSThreshold < 0 || v.RMSThreshold > 1 || v.PeakThreshold < 0 || v.PeakThreshold > 1 {
		errs = append(errs, errors.New("pipeline.vad thresholds must be within [0, 1]"))
	}
	if p.VAD.MinSpeechFrames < 0 || p.VAD.SilenceFrames < 0 {
		errs = append(errs, errors.New("pipeline.vad frame counts must not be negative"))
	}

	// Storage and sessions
	if cfg.Storage.PostgresDSN == "" {
		slog.Warn("storage.postgres_dsn is empty; sessions are kept in memory and lost on restart")
	}
	if cfg.Storage.DocumentChunkLimit < 0 {
		errs = append(errs, fmt.Errorf("storage.document_chunk_limit %d must not be negative", cfg.Storage.DocumentChunkLimit))
	}
	if cfg.Sessions.TokenTTL < 0 || cfg.Sessions.SlotTTL < 0 || cfg.Sessions.Breaker.ResetTimeout < 0 {
		errs = append(errs, errors.New("sessions durations must not be negative"))
	}
	if cfg.Sessions.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("sessions.breaker.max_failures %d must not be negative", cfg.Sessions.Breaker.MaxFailures))
	}

	return errors.Join(errs...)
}

// validateEntry checks a provider entry. Missing names are errors when
// required; missing API keys are always errors since every shipped STT and
// generation provider needs one.
func validateEntry(path, kind string, e ProviderEntry, required bool) []error {
	if e.Name == "" {
		if required {
			return []error{fmt.Errorf("%s.name is required", path)}
		}
		return nil
	}
	validateProviderName(kind, e.Name)
	if e.APIKey == "" {
		return []error{fmt.Errorf("%s.api_key is required for %q: %w", path, e.Name, fault.ErrMissingCredentials)}
	}
	return nil
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
