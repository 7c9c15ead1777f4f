// Package secrets resolves secret:// references for configuration values
// that must not live in environment files, such as the Stripe keys and the
// store admin token.
package secrets

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	localEnvironment = "local"
	latestVersion    = "latest"
	secretsMeterName = "checkout-api/secrets"
)

// accessClient is the slice of the Secret Manager client the fetcher uses.
type accessClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

var newAccessClient = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

// Fetcher resolves secret references against Google Secret Manager. Resolved
// values are cached for the process lifetime; rotation requires a restart,
// which is how the service deploys anyway. In the local environment, or when
// Secret Manager is unreachable, values come from a plaintext fallback file
// of name=value lines.
type Fetcher struct {
	client     accessClient
	ownsClient bool
	logger     *zap.Logger

	env     string
	project string

	fallbackFile string
	fallbackOnce sync.Once
	fallback     map[string]string
	fallbackErr  error

	mu    sync.RWMutex
	cache map[string]string

	resolves        metric.Int64Counter
	resolvesEnabled bool
}

type fetcherConfig struct {
	logger       *zap.Logger
	env          string
	project      string
	fallbackFile string
	client       accessClient
	clientOpts   []option.ClientOption
}

// Option customises Fetcher construction.
type Option func(*fetcherConfig)

// WithLogger sets the logger used for degraded-mode diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *fetcherConfig) {
		cfg.logger = logger
	}
}

// WithEnvironment names the deployment environment. The local environment
// never dials Secret Manager and resolves entirely from the fallback file.
func WithEnvironment(env string) Option {
	return func(cfg *fetcherConfig) {
		cfg.env = strings.ToLower(strings.TrimSpace(env))
	}
}

// WithDefaultProject sets the Secret Manager project used by references that
// carry no project override.
func WithDefaultProject(projectID string) Option {
	return func(cfg *fetcherConfig) {
		cfg.project = strings.TrimSpace(projectID)
	}
}

// WithFallbackFile sets the path of the local fallback secrets file.
func WithFallbackFile(path string) Option {
	return func(cfg *fetcherConfig) {
		cfg.fallbackFile = strings.TrimSpace(path)
	}
}

// WithClientOptions forwards Cloud client options, such as a credentials
// file, when constructing the Secret Manager client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(cfg *fetcherConfig) {
		cfg.clientOpts = append(cfg.clientOpts, opts...)
	}
}

// WithAccessClient injects a preconfigured Secret Manager client. Primarily
// for tests.
func WithAccessClient(client accessClient) Option {
	return func(cfg *fetcherConfig) {
		cfg.client = client
	}
}

// NewFetcher builds a Fetcher. A missing or undialable Secret Manager client
// is not fatal; the fetcher degrades to the fallback file so local runs work
// without Google credentials.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	cfg := fetcherConfig{
		logger: zap.NewNop(),
		env:    localEnvironment,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}

	meter := otel.GetMeterProvider().Meter(secretsMeterName)
	resolves, metricErr := meter.Int64Counter(
		"secrets.resolves",
		metric.WithDescription("Count of secret resolutions by source"),
	)
	if metricErr != nil {
		cfg.logger.Warn("secrets: unable to register resolve counter", zap.Error(metricErr))
	}

	f := &Fetcher{
		logger:          cfg.logger,
		env:             cfg.env,
		project:         cfg.project,
		fallbackFile:    cfg.fallbackFile,
		cache:           make(map[string]string),
		resolves:        resolves,
		resolvesEnabled: metricErr == nil,
	}

	switch {
	case cfg.client != nil:
		f.client = cfg.client
	case f.env == localEnvironment:
		cfg.logger.Info("secrets: local environment, resolving from fallback file only")
	default:
		client, err := newAccessClient(ctx, cfg.clientOpts...)
		if err != nil {
			cfg.logger.Warn("secrets: secret manager unavailable, degrading to fallback file", zap.Error(err))
		} else {
			f.client = client
			f.ownsClient = true
		}
	}

	return f, nil
}

// Close releases the Secret Manager client when the fetcher owns it.
func (f *Fetcher) Close() error {
	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// Resolve returns the value behind a secret:// reference. Remote lookups are
// attempted first; access-level failures (denied, unreachable) fall back to
// the local file, while a genuinely missing secret stays an error so a typo
// in a secret name cannot silently ship a stale local value.
func (f *Fetcher) Resolve(ctx context.Context, rawRef string) (string, error) {
	ref, err := parseRef(rawRef)
	if err != nil {
		return "", err
	}

	if value, ok := f.cached(ref.key()); ok {
		f.count(ctx, ref.name, "cache")
		return value, nil
	}

	if f.client != nil {
		value, err := f.access(ctx, ref)
		switch {
		case err == nil:
			f.store(ref.key(), value)
			f.count(ctx, ref.name, "remote")
			return value, nil
		case degradedAccess(err):
			f.logger.Warn("secrets: secret manager access degraded, trying fallback file",
				zap.String("secret", ref.name), zap.Error(err))
		default:
			f.count(ctx, ref.name, "error")
			return "", fmt.Errorf("secrets: access %s: %w", ref.name, err)
		}
	}

	value, ok := f.fallbackValue(ref.name)
	if !ok {
		f.count(ctx, ref.name, "error")
		return "", fmt.Errorf("secrets: no value for %s", ref.name)
	}
	f.store(ref.key(), value)
	f.count(ctx, ref.name, "fallback")
	return value, nil
}

func (f *Fetcher) access(ctx context.Context, ref secretRef) (string, error) {
	project := ref.project
	if project == "" {
		project = f.project
	}
	if project == "" {
		return "", status.Error(codes.Unavailable, "secrets: no project configured")
	}

	name := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, ref.name, ref.version)
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return "", err
	}
	if resp == nil || resp.Payload == nil {
		return "", fmt.Errorf("empty payload for %s", name)
	}
	return string(resp.Payload.GetData()), nil
}

func (f *Fetcher) cached(key string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	value, ok := f.cache[key]
	return value, ok
}

func (f *Fetcher) store(key, value string) {
	f.mu.Lock()
	f.cache[key] = value
	f.mu.Unlock()
}

func (f *Fetcher) fallbackValue(name string) (string, bool) {
	f.fallbackOnce.Do(f.loadFallback)
	if f.fallbackErr != nil {
		f.logger.Warn("secrets: fallback file unreadable", zap.Error(f.fallbackErr))
		return "", false
	}
	value, ok := f.fallback[name]
	return value, ok
}

// loadFallback reads the fallback file once. Lines are name=value; blank
// lines and # comments are skipped, and keys may carry a secret:// or legacy
// sm:// prefix left over from copied configuration.
func (f *Fetcher) loadFallback() {
	f.fallback = map[string]string{}
	if f.fallbackFile == "" {
		return
	}

	file, err := os.Open(f.fallbackFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			f.fallbackErr = fmt.Errorf("secrets: open %s: %w", f.fallbackFile, err)
		}
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		key = strings.TrimPrefix(key, "secret://")
		key = strings.TrimPrefix(key, "sm://")
		if key == "" {
			continue
		}
		f.fallback[key] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		f.fallbackErr = fmt.Errorf("secrets: read %s: %w", f.fallbackFile, err)
	}
}

func (f *Fetcher) count(ctx context.Context, name, source string) {
	if !f.resolvesEnabled {
		return
	}
	f.resolves.Add(ctx, 1, metric.WithAttributes(
		attribute.String("secret", name),
		attribute.String("source", source),
	))
}

// secretRef is a parsed secret://name?version=N&project=P reference.
type secretRef struct {
	name    string
	version string
	project string
}

func (r secretRef) key() string {
	return r.project + "/" + r.name + "@" + r.version
}

func parseRef(raw string) (secretRef, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return secretRef{}, errors.New("secrets: empty reference")
	}
	rest, ok := strings.CutPrefix(trimmed, "secret://")
	if !ok {
		return secretRef{}, fmt.Errorf("secrets: unsupported reference %q", raw)
	}

	ref := secretRef{version: latestVersion}
	if name, query, found := strings.Cut(rest, "?"); found {
		rest = name
		values, err := url.ParseQuery(query)
		if err != nil {
			return secretRef{}, fmt.Errorf("secrets: invalid reference %q: %w", raw, err)
		}
		if v := strings.TrimSpace(values.Get("version")); v != "" {
			ref.version = v
		}
		if p := strings.TrimSpace(values.Get("project")); p != "" {
			ref.project = p
		}
	}

	ref.name = strings.Trim(rest, "/")
	if ref.name == "" {
		return secretRef{}, fmt.Errorf("secrets: missing secret name in %q", raw)
	}
	return ref, nil
}

// degradedAccess reports whether the error means Secret Manager itself is
// unusable rather than the secret being wrong.
func degradedAccess(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}
